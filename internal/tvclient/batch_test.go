package tvclient

import (
	"context"
	"testing"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

func TestBatchCollectorSnapshot(t *testing.T) {
	c := NewBatchCollector(nil, "tok", BatchOptions{
		Symbols:    []string{"BINANCE:BTCUSDT", "BINANCE:ETHUSDT"},
		Timeframes: []timeframe.Label{timeframe.H1},
		Lookback:   10,
		Mode:       ModeSnapshot,
		Timeout:    time.Second,
	})

	conn := &scriptConn{}
	// Series ids are deterministic, so the inbox can be filled up front.
	conn.push(updateFrame(t, "cs", map[string]seriesPayload{
		"price__BINANCE_BTCUSDT__H1": {barClose: hours(13), rows: [][]float64{
			row(hours(11)), row(hours(10)), row(hours(12)),
		}},
		"price__BINANCE_ETHUSDT__H1": {barClose: hours(13), rows: [][]float64{
			row(hours(12)),
		}},
	}))

	res := c.collect(context.Background(), conn)

	btc := res[model.SeriesKey{Symbol: "BINANCE:BTCUSDT", Timeframe: "H1"}]
	if len(btc) != 3 {
		t.Fatalf("btc: got %d bars, want 3", len(btc))
	}
	for i := 1; i < len(btc); i++ {
		if !btc[i-1].TS.Before(btc[i].TS) {
			t.Errorf("btc bars not ascending at %d", i)
		}
	}
	eth := res[model.SeriesKey{Symbol: "BINANCE:ETHUSDT", Timeframe: "H1"}]
	if len(eth) != 1 {
		t.Errorf("eth: got %d bars, want 1", len(eth))
	}
	if !conn.closed {
		t.Error("connection left open")
	}
}

func TestBatchCollectorClosedBarMode(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 37, 0, 0, time.UTC)
	expected := timeframe.H1.ClosedBarStart(now) // 09:00 UTC

	c := NewBatchCollector(nil, "tok", BatchOptions{
		Symbols:    []string{"BINANCE:BTCUSDT"},
		Timeframes: []timeframe.Label{timeframe.H1},
		Lookback:   5,
		Mode:       ModeClosedBar,
		Timeout:    time.Second,
	})
	c.now = func() time.Time { return now }

	sid := "price__BINANCE_BTCUSDT__H1"
	earlier := expected.Add(-time.Hour).Unix()
	conn := &scriptConn{}
	conn.push(
		// First update carries only the older bar: not done yet.
		updateFrame(t, "cs", map[string]seriesPayload{
			sid: {barClose: expected.Unix() + 3600, rows: [][]float64{row(earlier)}},
		}),
		// Second update closes the expected bar and revises the older one.
		updateFrame(t, "cs", map[string]seriesPayload{
			sid: {barClose: expected.Unix() + 3600, rows: [][]float64{
				{float64(earlier), 1, 2, 0.5, 1.5, 300},
				row(expected.Unix()),
			}},
		}),
	)

	res := c.collect(context.Background(), conn)

	bars := res[model.SeriesKey{Symbol: "BINANCE:BTCUSDT", Timeframe: "H1"}]
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[1].TS.Unix() != expected.Unix() {
		t.Errorf("last bar at %d, want expected closed bar %d", bars[1].TS.Unix(), expected.Unix())
	}
	if bars[0].Close != 1.5 {
		t.Errorf("revised bar close = %v, want the later update to win", bars[0].Close)
	}
	if len(conn.inbox) != 0 {
		t.Errorf("%d frames left unread", len(conn.inbox))
	}
}

func TestBatchCollectorPartialOnDeadConnection(t *testing.T) {
	c := NewBatchCollector(nil, "tok", BatchOptions{
		Symbols:    []string{"BINANCE:BTCUSDT", "BINANCE:SOLUSDT"},
		Timeframes: []timeframe.Label{timeframe.M15},
		Lookback:   5,
		Mode:       ModeClosedBar,
		Timeout:    time.Second,
	})

	conn := &scriptConn{}
	conn.push(updateFrame(t, "cs", map[string]seriesPayload{
		"price__BINANCE_BTCUSDT__M15": {barClose: hours(11), rows: [][]float64{row(hours(10))}},
	}))

	res := c.collect(context.Background(), conn)

	if len(res) != 2 {
		t.Fatalf("got %d entries, want 2", len(res))
	}
	if bars := res[model.SeriesKey{Symbol: "BINANCE:BTCUSDT", Timeframe: "M15"}]; len(bars) != 1 {
		t.Errorf("btc: got %d bars, want the 1 that arrived", len(bars))
	}
	if bars := res[model.SeriesKey{Symbol: "BINANCE:SOLUSDT", Timeframe: "M15"}]; len(bars) != 0 {
		t.Errorf("sol: got %d bars, want 0", len(bars))
	}
}

func TestBatchCollectorSubscribesEverySeries(t *testing.T) {
	c := NewBatchCollector(nil, "tok", BatchOptions{
		Symbols:    []string{"BINANCE:BTCUSDT", "OANDA:EURUSD"},
		Timeframes: []timeframe.Label{timeframe.H1, timeframe.D1},
		Lookback:   20,
		Mode:       ModeSnapshot,
		Timeout:    time.Second,
	})

	conn := &scriptConn{}
	res := c.collect(context.Background(), conn)

	if got := conn.countMethod("resolve_symbol"); got != 2 {
		t.Errorf("resolve_symbol sent %d times, want 2", got)
	}
	if got := conn.countMethod("create_series"); got != 4 {
		t.Errorf("create_series sent %d times, want 4", got)
	}
	if got := conn.countMethod("quote_add_symbols"); got != 2 {
		t.Errorf("quote_add_symbols sent %d times, want 2", got)
	}
	if len(res) != 4 {
		t.Errorf("got %d result entries, want 4", len(res))
	}
	for key, bars := range res {
		if len(bars) != 0 {
			t.Errorf("%s: got %d bars with no data sent", key, len(bars))
		}
	}
}
