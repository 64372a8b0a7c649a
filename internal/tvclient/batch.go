package tvclient

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
	"github.com/hanhvu87/Sen13-project/internal/tvwire"
)

// Mode selects the batch loop's stopping condition.
type Mode int

const (
	// ModeSnapshot stops once every series has produced at least one
	// non-empty snapshot, or the timeout elapses.
	ModeSnapshot Mode = iota

	// ModeClosedBar stops once every series contains a bar at its expected
	// most-recent-closed-bar timestamp, or the timeout elapses.
	ModeClosedBar
)

// BatchOptions configures one parallel collection pass.
type BatchOptions struct {
	Symbols    []string
	Timeframes []timeframe.Label
	Lookback   int
	Mode       Mode
	Timeout    time.Duration
	Location   *time.Location
}

// BatchCollector subscribes every (symbol, timeframe) series at once and
// accumulates updates in a single receive loop until the stop condition or
// the timeout. Unlike the sequential Fetcher it has no per-series error
// recovery: a series that produced nothing by the deadline comes back empty,
// and the scheduled re-invocation is the retry mechanism. It can trip the
// provider's series limit on large batches; use the Fetcher for those.
type BatchCollector struct {
	dialer    *Dialer
	authToken string
	opts      BatchOptions
	loc       *time.Location

	seriesMap map[string]model.SeriesKey     // series id -> logical key
	chart     map[string]map[int64]model.Bar // series id -> bars by unix second
	expected  map[string]int64               // series id -> expected closed-bar start (ModeClosedBar)

	// now is stubbed in tests.
	now func() time.Time

	// OnReconnect is an optional metrics hook.
	OnReconnect func()
}

// NewBatchCollector builds a collector that dials through d.
func NewBatchCollector(d *Dialer, authToken string, opts BatchOptions) *BatchCollector {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	return &BatchCollector{
		dialer:    d,
		authToken: authToken,
		opts:      opts,
		loc:       loc,
		chart:     make(map[string]map[int64]model.Bar),
		now:       time.Now,
	}
}

// Run dials, subscribes everything, and collects until done. Only the dial
// itself can fail; after that, partial results are always returned.
func (c *BatchCollector) Run(ctx context.Context) (Result, error) {
	conn, err := c.dialer.Dial()
	if err != nil {
		return nil, fmt.Errorf("tvclient: batch: %w", err)
	}
	return c.collect(ctx, conn), nil
}

// subscribe performs the session handshake and creates every series on conn.
// Series ids are deterministic ("price__EXCHANGE_TICKER__TF") so inbound
// updates map straight back to their logical key.
func (c *BatchCollector) subscribe(conn Conn) {
	chartSession := genID("cs")
	quoteSession := genID("qs")
	send(conn, "set_auth_token", c.authToken)
	send(conn, "chart_create_session", chartSession, "")
	send(conn, "quote_create_session", quoteSession)

	c.seriesMap = make(map[string]model.SeriesKey, len(c.opts.Symbols)*len(c.opts.Timeframes))
	c.expected = make(map[string]int64)

	for i, sym := range c.opts.Symbols {
		alias := fmt.Sprintf("symbol_%d", i+1)
		send(conn, "quote_add_symbols", quoteSession, sym, map[string]interface{}{"flags": []string{"force_permission"}})
		send(conn, "resolve_symbol", chartSession, alias, symbolPayload(sym))

		for _, tf := range c.opts.Timeframes {
			sid := "price__" + strings.ReplaceAll(sym, ":", "_") + "__" + string(tf)
			send(conn, "create_series", chartSession, sid, "price", alias, tf.Resolution(), c.opts.Lookback)
			c.seriesMap[sid] = model.SeriesKey{Symbol: sym, Timeframe: string(tf)}
			if c.opts.Mode == ModeClosedBar {
				c.expected[sid] = tf.ClosedBarStart(c.now()).Unix()
			}
		}
	}
}

// collect runs the receive loop over conn until satisfied or deadline.
func (c *BatchCollector) collect(ctx context.Context, conn Conn) Result {
	deadline := c.now().Add(c.opts.Timeout)
	conn.SetReadDeadline(deadline)
	c.subscribe(conn)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil || c.now().After(deadline) {
			break
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.now().After(deadline) {
				break
			}
			if c.dialer == nil {
				break // injected connection, nothing to redial
			}
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
			log.Printf("[tvclient] batch read failed, reconnecting: %v", err)
			next, nextBackoff, derr := c.dialer.Redial(conn, backoff)
			backoff = nextBackoff
			if derr != nil {
				continue // Redial already slept; retry until the deadline
			}
			conn = next
			conn.SetReadDeadline(deadline)
			// Fresh connection means fresh sessions; accumulated bars are
			// kept, the subscriptions are recreated.
			c.subscribe(conn)
			continue
		}

		for _, body := range tvwire.Bodies(string(data)) {
			msg := tvwire.Decode(body)
			switch msg.Kind {
			case tvwire.KindHeartbeat:
				echoHeartbeat(conn, msg.Heartbeat)
			case tvwire.KindTimescaleUpdate:
				c.absorb(msg.Update)
			}
		}

		if c.satisfied() {
			break
		}
	}

	conn.Close()
	return c.result()
}

// absorb merges a timescale update into the per-series accumulation maps.
// Later updates win on timestamp collisions, so a forming bar that closes is
// replaced by its final values.
func (c *BatchCollector) absorb(up *tvwire.TimescaleUpdate) {
	if up == nil {
		return
	}
	for sid, node := range up.Series {
		if _, tracked := c.seriesMap[sid]; !tracked {
			continue
		}
		acc := c.chart[sid]
		if acc == nil {
			acc = make(map[int64]model.Bar, c.opts.Lookback)
			c.chart[sid] = acc
		}
		for _, p := range node.Bars {
			acc[p.Time] = model.Bar{
				TS:        time.Unix(p.Time, 0).UTC(),
				Open:      p.Open,
				High:      p.High,
				Low:       p.Low,
				Close:     p.Close,
				Volume:    p.Volume,
				HasVolume: p.HasVolume,
			}
		}
	}
}

func (c *BatchCollector) satisfied() bool {
	for sid := range c.seriesMap {
		acc := c.chart[sid]
		if len(acc) == 0 {
			return false
		}
		if c.opts.Mode == ModeClosedBar {
			if _, ok := acc[c.expected[sid]]; !ok {
				return false
			}
		}
	}
	return true
}

// result builds the output map. Every requested key appears; series that
// received nothing map to empty slices: "no data in time", not an error.
func (c *BatchCollector) result() Result {
	out := make(Result, len(c.seriesMap))
	for sid, key := range c.seriesMap {
		acc := c.chart[sid]
		bars := make([]model.Bar, 0, len(acc))
		for _, b := range acc {
			b.TS = b.TS.In(c.loc)
			bars = append(bars, b)
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
		out[key] = bars
	}
	return out
}
