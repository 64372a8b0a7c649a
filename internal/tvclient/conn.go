// Package tvclient implements the provider's chart-socket session protocol:
// dialing, the sequential per-series fetch engine, and the parallel batch
// receive loop. One connection multiplexes many (symbol, timeframe) series.
package tvclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanhvu87/Sen13-project/config"
)

// Reconnect backoff: linear-capped, 1s growing by 1.6x up to 5s.
const (
	initialBackoff = 1 * time.Second
	backoffFactor  = 1.6
	maxBackoff     = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the engines touch. Tests substitute a
// scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens chart-socket connections with the session headers the
// provider expects.
type Dialer struct {
	wsURL  string
	cookie string
}

// NewDialer builds a Dialer from config.
func NewDialer(cfg *config.Config) *Dialer {
	return &Dialer{wsURL: cfg.WSURL, cookie: cfg.Cookie}
}

// Dial opens one connection. The URL carries a per-connection date stamp
// (UTC, "2006_01_02-15_04") the way the browser client does.
func (d *Dialer) Dial() (Conn, error) {
	header := http.Header{}
	header.Set("Origin", "https://www.tradingview.com")
	header.Set("User-Agent", "Mozilla/5.0")
	if d.cookie != "" {
		header.Set("Cookie", d.cookie)
	}

	url := d.wsURL + "&date=" + time.Now().UTC().Format("2006_01_02-15_04")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("tvclient: dial %s: %w", d.wsURL, err)
	}
	return conn, nil
}

// Redial closes the old connection, sleeps the given backoff, and opens a
// fresh one. It returns the next backoff to use on a consecutive failure.
func (d *Dialer) Redial(old Conn, backoff time.Duration) (Conn, time.Duration, error) {
	if old != nil {
		old.Close()
	}
	time.Sleep(backoff)
	next := time.Duration(float64(backoff) * backoffFactor)
	if next > maxBackoff {
		next = maxBackoff
	}
	conn, err := d.Dial()
	return conn, next, err
}
