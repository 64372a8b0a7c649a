// Package timeframe is the registry of supported bar timeframes. It maps
// free-form user input to a fixed canonical label set, resolves each label to
// the provider's resolution token and bar duration, and computes the start of
// the most recent fully closed bar for a given instant.
package timeframe

import (
	"fmt"
	"strings"
	"time"
)

// Label is a canonical timeframe label. Only the values below are valid;
// anything else is rejected at normalization time.
type Label string

const (
	M1  Label = "M1"
	M5  Label = "M5"
	M15 Label = "M15"
	M30 Label = "M30"
	H1  Label = "H1"
	H4  Label = "H4"
	D1  Label = "D1"
	W   Label = "W"
)

// ErrUnsupported is returned (wrapped) by Normalize for input outside the
// canonical set.
var ErrUnsupported = fmt.Errorf("unsupported timeframe")

// All lists the canonical labels in ascending duration order.
var All = []Label{M1, M5, M15, M30, H1, H4, D1, W}

var normalizeMap = map[string]Label{
	"1": M1, "m1": M1,
	"5": M5, "m5": M5,
	"15": M15, "m15": M15,
	"30": M30, "m30": M30,
	"1h": H1, "h1": H1,
	"4h": H4, "h4": H4,
	"1d": D1, "d1": D1,
	"1w": W, "w": W,
}

var resolutionMap = map[Label]string{
	M1: "1", M5: "5", M15: "15", M30: "30",
	H1: "60", H4: "240", D1: "1D", W: "1W",
}

var minutesMap = map[Label]int{
	M1: 1, M5: 5, M15: 15, M30: 30,
	H1: 60, H4: 240, D1: 1440, W: 10080,
}

// Normalize maps free-form timeframe input ("1", "1h", "H1", "w", ...) to its
// canonical label. Unknown input is a hard error, never a silent default.
func Normalize(s string) (Label, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if tf, ok := normalizeMap[key]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("timeframe: %w: %q", ErrUnsupported, s)
}

// Resolution returns the provider resolution token for a canonical label
// (H1 → "60", D1 → "1D").
func (tf Label) Resolution() string {
	return resolutionMap[tf]
}

// DurationMinutes returns the bar duration in minutes.
func (tf Label) DurationMinutes() int {
	return minutesMap[tf]
}

// Duration returns the bar duration.
func (tf Label) Duration() time.Duration {
	return time.Duration(minutesMap[tf]) * time.Minute
}

// Valid reports whether tf is a member of the canonical set.
func (tf Label) Valid() bool {
	_, ok := minutesMap[tf]
	return ok
}

// ClosedBarStart computes the start timestamp of the most recent bar that is
// guaranteed fully closed at now. The arithmetic differs per label class:
// intraday labels floor to the minute grid and step back one bar, H1/H4 floor
// to the hour and step back to a boundary divisible by the duration, D1 floors
// to midnight UTC minus one day, W floors to the most recent Monday 00:00 UTC
// minus one week. All math is done in UTC.
func (tf Label) ClosedBarStart(now time.Time) time.Time {
	now = now.UTC()
	switch tf {
	case M1, M5, M15, M30:
		mins := tf.DurationMinutes()
		floor := now.Truncate(time.Minute)
		block := (floor.Minute() / mins) * mins
		start := time.Date(floor.Year(), floor.Month(), floor.Day(), floor.Hour(), block, 0, 0, time.UTC)
		if !start.Before(floor) {
			start = start.Add(-time.Duration(mins) * time.Minute)
		}
		return start
	case H1, H4:
		hours := 1
		if tf == H4 {
			hours = 4
		}
		start := now.Truncate(time.Hour).Add(-time.Hour)
		for start.Hour()%hours != 0 {
			start = start.Add(-time.Hour)
		}
		return start
	case D1:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return midnight.AddDate(0, 0, -1)
	case W:
		// Monday of the current week, then one week back.
		days := (int(now.Weekday()) + 6) % 7 // Mon=0 ... Sun=6
		monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days)
		return monday.AddDate(0, 0, -7)
	}
	return time.Time{}
}
