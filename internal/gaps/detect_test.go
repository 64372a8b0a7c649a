package gaps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/calendar"
	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestExpectedTimestampsSnapsToGrid(t *testing.T) {
	got := ExpectedTimestamps(ts("2024-03-13T10:07:00Z"), ts("2024-03-13T10:31:00Z"), timeframe.M5, calendar.AlwaysOpen{})
	want := []string{
		"2024-03-13T10:10:00Z", "2024-03-13T10:15:00Z", "2024-03-13T10:20:00Z",
		"2024-03-13T10:25:00Z", "2024-03-13T10:30:00Z",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d timestamps, want %d", len(got), len(want))
	}
	for i, w := range want {
		if !got[i].Equal(ts(w)) {
			t.Errorf("timestamp %d = %s, want %s", i, got[i].Format(time.RFC3339), w)
		}
	}
}

func TestExpectedTimestampsSkipsWeekend(t *testing.T) {
	// Friday 2024-03-15 through Monday 2024-03-18.
	got := ExpectedTimestamps(ts("2024-03-15T00:00:00Z"), ts("2024-03-19T00:00:00Z"), timeframe.D1, calendar.WeekendClosed{})
	if len(got) != 2 {
		t.Fatalf("got %d timestamps, want 2 (Friday and Monday)", len(got))
	}
	if !got[0].Equal(ts("2024-03-15T00:00:00Z")) || !got[1].Equal(ts("2024-03-18T00:00:00Z")) {
		t.Errorf("got %v", got)
	}

	crypto := ExpectedTimestamps(ts("2024-03-15T00:00:00Z"), ts("2024-03-19T00:00:00Z"), timeframe.D1, calendar.AlwaysOpen{})
	if len(crypto) != 4 {
		t.Errorf("24/7 calendar: got %d timestamps, want 4", len(crypto))
	}
}

func TestExpectedTimestampsWeeklyAnchorsOnMonday(t *testing.T) {
	// Four full weeks, starting Monday 2024-03-04.
	got := ExpectedTimestamps(ts("2024-03-04T00:00:00Z"), ts("2024-04-01T00:00:00Z"), timeframe.W, calendar.AlwaysOpen{})
	if len(got) != 4 {
		t.Fatalf("got %d timestamps, want 4", len(got))
	}
	for i, w := range got {
		if w.Weekday() != time.Monday {
			t.Errorf("timestamp %d = %s, want a Monday", i, w.Format(time.RFC3339))
		}
	}
	if !got[0].Equal(ts("2024-03-04T00:00:00Z")) {
		t.Errorf("first = %s, want the window's own Monday", got[0].Format(time.RFC3339))
	}
}

func TestDetectFullWeeklySeriesHasNoGaps(t *testing.T) {
	start, end := ts("2024-03-04T00:00:00Z"), ts("2024-04-01T00:00:00Z")
	stored := []time.Time{
		ts("2024-03-04T00:00:00Z"),
		ts("2024-03-11T00:00:00Z"),
		ts("2024-03-18T00:00:00Z"),
		ts("2024-03-25T00:00:00Z"),
	}
	if got := Detect(start, end, timeframe.W, calendar.AlwaysOpen{}, stored); len(got) != 0 {
		t.Errorf("got %d gaps over a complete weekly series, want 0: %+v", len(got), got)
	}
}

func TestDetectCoalescesConsecutiveMissing(t *testing.T) {
	start, end := ts("2024-03-13T10:00:00Z"), ts("2024-03-13T10:30:00Z")
	stored := []time.Time{
		ts("2024-03-13T10:00:00Z"),
		ts("2024-03-13T10:20:00Z"),
	}
	got := Detect(start, end, timeframe.M5, calendar.AlwaysOpen{}, stored)

	if len(got) != 2 {
		t.Fatalf("got %d gaps, want 2: %+v", len(got), got)
	}
	first := got[0]
	if !first.Start.Equal(ts("2024-03-13T10:05:00Z")) || !first.End.Equal(ts("2024-03-13T10:20:00Z")) || first.Missing != 3 {
		t.Errorf("first gap = %+v", first)
	}
	second := got[1]
	if !second.Start.Equal(ts("2024-03-13T10:25:00Z")) || !second.End.Equal(ts("2024-03-13T10:30:00Z")) || second.Missing != 1 {
		t.Errorf("second gap = %+v", second)
	}
}

func TestDetectEmptyStoreIsOneGap(t *testing.T) {
	start, end := ts("2024-03-11T00:00:00Z"), ts("2024-03-13T00:00:00Z")
	got := Detect(start, end, timeframe.H1, calendar.AlwaysOpen{}, nil)

	if len(got) != 1 {
		t.Fatalf("got %d gaps, want 1", len(got))
	}
	g := got[0]
	if !g.Start.Equal(start) || !g.End.Equal(end) {
		t.Errorf("gap = %+v, want whole window", g)
	}
	if g.Missing != 48 {
		t.Errorf("missing = %d, want 48", g.Missing)
	}
}

func TestDetectEmptyStoreGapSitsOnGrid(t *testing.T) {
	// Off-grid query window: the reported gap must cover the expected
	// range, not the raw window bounds.
	start, end := ts("2024-03-13T10:07:00Z"), ts("2024-03-13T10:31:00Z")
	got := Detect(start, end, timeframe.M5, calendar.AlwaysOpen{}, nil)

	if len(got) != 1 {
		t.Fatalf("got %d gaps, want 1", len(got))
	}
	g := got[0]
	if !g.Start.Equal(ts("2024-03-13T10:10:00Z")) || !g.End.Equal(ts("2024-03-13T10:35:00Z")) {
		t.Errorf("gap = %+v, want the on-grid expected range", g)
	}
	if g.Missing != 5 {
		t.Errorf("missing = %d, want 5", g.Missing)
	}
}

func TestDetectCompleteStoreHasNoGaps(t *testing.T) {
	start, end := ts("2024-03-13T10:00:00Z"), ts("2024-03-13T11:00:00Z")
	var stored []time.Time
	for cur := start; cur.Before(end); cur = cur.Add(15 * time.Minute) {
		stored = append(stored, cur)
	}
	if got := Detect(start, end, timeframe.M15, calendar.AlwaysOpen{}, stored); len(got) != 0 {
		t.Errorf("got %d gaps, want 0: %+v", len(got), got)
	}
}

func TestDetectWeekendNotReportedAsGap(t *testing.T) {
	// Stored Friday and Monday bars only; the weekend in between must not
	// surface as missing for a weekend-closed market.
	start, end := ts("2024-03-15T00:00:00Z"), ts("2024-03-19T00:00:00Z")
	stored := []time.Time{ts("2024-03-15T00:00:00Z"), ts("2024-03-18T00:00:00Z")}
	if got := Detect(start, end, timeframe.D1, calendar.WeekendClosed{}, stored); len(got) != 0 {
		t.Errorf("got %d gaps, want 0: %+v", len(got), got)
	}
}

func TestRepairerLookback(t *testing.T) {
	now := ts("2024-03-15T12:00:00Z")
	r := &Repairer{Now: func() time.Time { return now }}

	gap := model.Gap{Start: ts("2024-03-15T08:00:00Z"), End: ts("2024-03-15T10:00:00Z"), Missing: 2}
	if got := r.Lookback(gap, timeframe.H1); got != 2+MarginBars {
		t.Errorf("lookback = %d, want %d", got, 2+MarginBars)
	}

	deep := model.Gap{Start: ts("2014-01-01T00:00:00Z"), End: ts("2014-01-02T00:00:00Z")}
	if got := r.Lookback(deep, timeframe.M1); got != MaxLookback {
		t.Errorf("deep lookback = %d, want capped at %d", got, MaxLookback)
	}
}

type sinkRecorder struct {
	bars     []model.Bar
	inserted int
	err      error
}

func (s *sinkRecorder) InsertBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error) {
	s.bars = append(s.bars, bars...)
	return s.inserted, s.err
}

func TestRepairerRepair(t *testing.T) {
	now := ts("2024-03-15T12:00:00Z")
	fetched := []model.Bar{
		{TS: ts("2024-03-15T09:00:00Z"), Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{TS: ts("2024-03-15T10:00:00Z"), Open: 1.5, High: 2, Low: 1, Close: 1.8},
	}
	var askedCount int
	sink := &sinkRecorder{inserted: 1}
	r := &Repairer{
		Now:  func() time.Time { return now },
		Sink: sink,
		Fetch: func(ctx context.Context, symbol string, tf timeframe.Label, count int) ([]model.Bar, error) {
			askedCount = count
			return fetched, nil
		},
	}

	gap := model.Gap{Start: ts("2024-03-15T09:00:00Z"), End: ts("2024-03-15T11:00:00Z"), Missing: 2}
	n, err := r.Repair(context.Background(), "OANDA:EURUSD", timeframe.H1, gap)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want the sink's count", n)
	}
	if askedCount != 1+MarginBars {
		t.Errorf("fetch count = %d, want %d", askedCount, 1+MarginBars)
	}
	if len(sink.bars) != 2 {
		t.Errorf("sink received %d bars, want 2", len(sink.bars))
	}
}

func TestRepairerEmptyFetchIsNotAnError(t *testing.T) {
	r := &Repairer{
		Sink: &sinkRecorder{},
		Fetch: func(ctx context.Context, symbol string, tf timeframe.Label, count int) ([]model.Bar, error) {
			return nil, nil
		},
	}
	n, err := r.Repair(context.Background(), "X:Y", timeframe.H1, model.Gap{End: time.Now().UTC()})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0", n)
	}
}

func TestRepairerRepairAllContinuesPastFailures(t *testing.T) {
	calls := 0
	r := &Repairer{
		Sink: &sinkRecorder{inserted: 3},
		Fetch: func(ctx context.Context, symbol string, tf timeframe.Label, count int) ([]model.Bar, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("socket reset")
			}
			return []model.Bar{{TS: time.Unix(0, 0).UTC()}}, nil
		},
	}
	gapList := []model.Gap{
		{End: time.Now().UTC()},
		{End: time.Now().UTC()},
	}
	n, err := r.RepairAll(context.Background(), "X:Y", timeframe.H1, gapList)
	if err == nil {
		t.Fatal("want first error reported")
	}
	if calls != 2 {
		t.Errorf("fetch called %d times, want 2", calls)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3 from second gap", n)
	}
}
