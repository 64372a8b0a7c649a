package model

import (
	"encoding/json"
	"time"
)

// Bar represents one OHLCV candle. TS is the bar's start time, UTC,
// second precision. Volume may be absent in the provider feed; HasVolume
// distinguishes "zero volume" from "no volume reported" so the store can
// persist NULL.
type Bar struct {
	TS        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	HasVolume bool      `json:"has_volume"`
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// SeriesKey identifies one logical (symbol, timeframe) stream. Symbol is the
// provider-qualified form, e.g. "BINANCE:BTCUSDT"; Timeframe is the canonical
// label from the timeframe registry ("M1" ... "W").
type SeriesKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (k SeriesKey) String() string {
	return k.Symbol + "|" + k.Timeframe
}

// Gap is a contiguous run of expected-but-missing stored timestamps for one
// (symbol, timeframe). End is exclusive: it is the timestamp of the first
// present (or past-the-window) expected bar after the run.
type Gap struct {
	Start   time.Time
	End     time.Time
	Missing int
}

// SymbolMeta mirrors the symbol dimension row: what the store knows about an
// instrument beyond its name.
type SymbolMeta struct {
	ID       int64
	Name     string
	Provider string
	Type     string // "crypto", "forex", "stock"
	Timezone string
	Active   bool
}
