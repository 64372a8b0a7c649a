package gaps

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

const (
	// MaxLookback caps a single repair request at the provider's practical
	// history limit per series.
	MaxLookback = 20000

	// MarginBars pads the computed lookback so drift between the gap
	// anchor and the provider's own bar count cannot leave the gap's far
	// edge uncovered.
	MarginBars = 120
)

// FetchFunc retrieves up to count closed bars ending near the present for
// one series. The repairer drives it with lookbacks deep enough to reach
// each gap's anchor.
type FetchFunc func(ctx context.Context, symbol string, tf timeframe.Label, count int) ([]model.Bar, error)

// BarSink is the insert-only half of the price store. Implementations must
// ignore rows whose timestamp already exists, so replaying a repair is a
// no-op.
type BarSink interface {
	InsertBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error)
}

// Repairer backfills detected gaps by fetching history deep enough to cover
// each gap and merging it insert-only. Safe to run repeatedly: bars already
// present are never touched.
type Repairer struct {
	Fetch FetchFunc
	Sink  BarSink

	// Now is stubbed in tests.
	Now func() time.Time
}

// Lookback computes how many bars back from now a fetch must reach to cover
// the gap, anchored at the gap's exclusive end so the whole range lands
// inside the window even when the provider short-changes the count.
func (r *Repairer) Lookback(gap model.Gap, tf timeframe.Label) int {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	dur := tf.Duration()
	behind := now.Sub(gap.End)
	if behind < 0 {
		behind = 0
	}
	n := int((behind+dur-1)/dur) + MarginBars
	if n > MaxLookback {
		n = MaxLookback
	}
	return n
}

// Repair fetches and merges one gap, returning the number of bars actually
// inserted. Fetching zero bars is not an error: the series may simply have
// no data for that range, and the gap will show up again on the next
// integrity pass if it was transient.
func (r *Repairer) Repair(ctx context.Context, symbol string, tf timeframe.Label, gap model.Gap) (int, error) {
	count := r.Lookback(gap, tf)
	bars, err := r.Fetch(ctx, symbol, tf, count)
	if err != nil {
		return 0, fmt.Errorf("gaps: fetch %s %s: %w", symbol, tf, err)
	}
	if len(bars) == 0 {
		log.Printf("[gaps] %s %s: no bars returned for gap %s..%s", symbol, tf, gap.Start.Format(time.RFC3339), gap.End.Format(time.RFC3339))
		return 0, nil
	}

	inserted, err := r.Sink.InsertBars(ctx, symbol, tf, bars)
	if err != nil {
		return 0, fmt.Errorf("gaps: insert %s %s: %w", symbol, tf, err)
	}
	return inserted, nil
}

// RepairAll walks the gaps in order and sums inserted bars. It keeps going
// past per-gap fetch failures and returns the first error alongside the
// partial count.
func (r *Repairer) RepairAll(ctx context.Context, symbol string, tf timeframe.Label, gapList []model.Gap) (int, error) {
	total := 0
	var firstErr error
	for _, g := range gapList {
		n, err := r.Repair(ctx, symbol, tf, g)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}
