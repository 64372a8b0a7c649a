package tvwire

import (
	"encoding/json"
)

// Kind tags the inbound message variants the sync engine consumes. Decoding
// happens once at the boundary; everything downstream switches on Kind instead
// of re-inspecting raw JSON.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindTimescaleUpdate
	KindSeriesCompleted
	KindCriticalError
	KindSymbolError
)

// BarPoint is one OHLCV point from a timescale update. Volume is optional on
// the wire (the value array may carry five elements instead of six).
type BarPoint struct {
	Time      int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	HasVolume bool
}

// SeriesNode holds the per-series portion of a timescale update: the bar
// points plus the declared close time of the last (still forming) bar.
// BarCloseTime is zero when the provider omits it.
type SeriesNode struct {
	Bars         []BarPoint
	BarCloseTime int64
}

// TimescaleUpdate carries series nodes keyed by series id.
type TimescaleUpdate struct {
	SessionID string
	Series    map[string]SeriesNode
}

// Message is the decoded form of one frame body.
type Message struct {
	Kind Kind

	// Heartbeat is the verbatim heartbeat body, kept for echoing.
	Heartbeat string

	// Raw is the original JSON body; error handling matches provider error
	// text against it.
	Raw string

	// Update is set for KindTimescaleUpdate.
	Update *TimescaleUpdate

	// SessionID and SeriesID are set for KindSeriesCompleted.
	SessionID string
	SeriesID  string
}

// envelope is the outer {"m": ..., "p": [...]} shape of every JSON body.
type envelope struct {
	M string            `json:"m"`
	P []json.RawMessage `json:"p"`
}

// rawSeriesNode matches the provider's series node JSON.
type rawSeriesNode struct {
	S []struct {
		V []json.Number `json:"v"`
	} `json:"s"`
	LBS struct {
		BarCloseTime int64 `json:"bar_close_time"`
	} `json:"lbs"`
}

// Decode turns one frame body into a Message. Heartbeats are recognized
// before any JSON parsing; bodies that fail to parse as JSON, or that carry a
// method outside the consumed set, come back as KindUnknown and are dropped
// by the caller; a corrupt frame must not kill the session.
func Decode(body string) Message {
	if IsHeartbeat(body) {
		return Message{Kind: KindHeartbeat, Heartbeat: body}
	}

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Message{Kind: KindUnknown, Raw: body}
	}

	switch env.M {
	case "timescale_update", "du":
		return decodeTimescale(body, env)
	case "series_completed":
		msg := Message{Kind: KindSeriesCompleted, Raw: body}
		if len(env.P) >= 1 {
			json.Unmarshal(env.P[0], &msg.SessionID)
		}
		if len(env.P) >= 2 {
			json.Unmarshal(env.P[1], &msg.SeriesID)
		}
		return msg
	case "critical_error":
		return Message{Kind: KindCriticalError, Raw: body}
	case "symbol_error":
		return Message{Kind: KindSymbolError, Raw: body}
	}
	return Message{Kind: KindUnknown, Raw: body}
}

func decodeTimescale(body string, env envelope) Message {
	msg := Message{Kind: KindTimescaleUpdate, Raw: body}
	up := &TimescaleUpdate{Series: make(map[string]SeriesNode)}
	if len(env.P) >= 1 {
		json.Unmarshal(env.P[0], &up.SessionID)
	}
	if len(env.P) >= 2 {
		var nodes map[string]json.RawMessage
		if err := json.Unmarshal(env.P[1], &nodes); err == nil {
			for sid, rawNode := range nodes {
				var rn rawSeriesNode
				if err := json.Unmarshal(rawNode, &rn); err != nil {
					continue // non-series entries in the update map
				}
				node := SeriesNode{BarCloseTime: rn.LBS.BarCloseTime}
				for _, point := range rn.S {
					bp, ok := decodePoint(point.V)
					if !ok {
						continue
					}
					node.Bars = append(node.Bars, bp)
				}
				if len(node.Bars) > 0 || node.BarCloseTime > 0 {
					up.Series[sid] = node
				}
			}
		}
	}
	msg.Update = up
	return msg
}

// decodePoint converts a "v" value array [time, o, h, l, c, v?] into a
// BarPoint. Rows with non-numeric OHLC fields are dropped, not fatal.
func decodePoint(v []json.Number) (BarPoint, bool) {
	if len(v) < 5 {
		return BarPoint{}, false
	}
	ts, err := v[0].Float64()
	if err != nil {
		return BarPoint{}, false
	}
	var ohlc [4]float64
	for i := 0; i < 4; i++ {
		f, err := v[i+1].Float64()
		if err != nil {
			return BarPoint{}, false
		}
		ohlc[i] = f
	}
	bp := BarPoint{
		Time:  int64(ts),
		Open:  ohlc[0],
		High:  ohlc[1],
		Low:   ohlc[2],
		Close: ohlc[3],
	}
	if len(v) >= 6 {
		if vol, err := v[5].Float64(); err == nil {
			bp.Volume = vol
			bp.HasVolume = true
		}
	}
	return bp, true
}
