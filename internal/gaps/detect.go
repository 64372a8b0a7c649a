package gaps

import (
	"time"

	"github.com/hanhvu87/Sen13-project/internal/calendar"
	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

// ExpectedTimestamps returns every bar-open timestamp the grid predicts in
// [start, end), filtered through the market calendar. Start is snapped up to
// the next grid point if it is off-grid.
func ExpectedTimestamps(start, end time.Time, tf timeframe.Label, pol calendar.Policy) []time.Time {
	dur := tf.Duration()
	if dur <= 0 || !start.Before(end) {
		return nil
	}

	start = start.UTC()
	end = end.UTC()

	// The grid must sit on the label's own bar boundary. A raw epoch
	// modulus would put W on Thursday (the epoch weekday) while weekly
	// bars open on Monday 00:00 UTC.
	first := tf.ClosedBarStart(start)
	if first.IsZero() {
		return nil
	}
	for first.Before(start) {
		first = first.Add(dur)
	}

	var out []time.Time
	for ts := first; ts.Before(end); ts = ts.Add(dur) {
		if pol != nil && !pol.IsTradingTime(ts) {
			continue
		}
		out = append(out, ts)
	}
	return out
}

// Detect compares the stored timestamps against the expected grid and
// returns the missing ranges, ascending. Runs of consecutive missing bars
// (exactly one duration apart) coalesce into a single gap whose End is
// exclusive. A window with no stored bars at all collapses to one gap
// spanning the whole expected range, so a fresh symbol reads as "backfill
// everything" rather than thousands of line items.
func Detect(start, end time.Time, tf timeframe.Label, pol calendar.Policy, stored []time.Time) []model.Gap {
	expected := ExpectedTimestamps(start, end, tf, pol)
	if len(expected) == 0 {
		return nil
	}

	have := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		have[ts.UTC().Unix()] = struct{}{}
	}
	dur := tf.Duration()
	if len(have) == 0 {
		return []model.Gap{{
			Start:   expected[0],
			End:     expected[len(expected)-1].Add(dur),
			Missing: len(expected),
		}}
	}
	var gaps []model.Gap
	for _, ts := range expected {
		if _, ok := have[ts.Unix()]; ok {
			continue
		}
		n := len(gaps)
		if n > 0 && gaps[n-1].End.Equal(ts) {
			gaps[n-1].End = ts.Add(dur)
			gaps[n-1].Missing++
			continue
		}
		gaps = append(gaps, model.Gap{Start: ts, End: ts.Add(dur), Missing: 1})
	}
	return gaps
}
