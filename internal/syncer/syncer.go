package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
	"github.com/hanhvu87/Sen13-project/internal/tvclient"
)

const (
	// overlapBars is how many already-stored trailing bars a historical run
	// rewrites, so upstream revisions to the most recent bars are picked up
	// without rewriting deep history.
	overlapBars = 3

	// realtimeLookback is the fetch depth for realtime passes: enough to
	// bridge several hours of missed runs on intraday timeframes.
	realtimeLookback = 200

	// realtimeTail is how many trailing bars a realtime pass rewrites.
	realtimeTail = 10
)

// Store is the persistence surface the syncer needs.
type Store interface {
	LastTimestamp(ctx context.Context, symbol string, tf timeframe.Label) (time.Time, error)
	InsertBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error)
	ReplaceBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error)
}

// Publisher fans newly closed bars out to live consumers. Optional.
type Publisher interface {
	PublishClosedBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) error
}

// FetchFunc runs one batch collection pass.
type FetchFunc func(ctx context.Context, opts tvclient.BatchOptions) (tvclient.Result, error)

// SeriesReport is the per-series outcome of a sync pass.
type SeriesReport struct {
	Symbol    string
	Timeframe string
	Fetched   int
	Stored    int
}

// Summary aggregates one sync pass for logging and exit reporting.
type Summary struct {
	Series  []SeriesReport
	Fetched int
	Stored  int
	Empty   int
}

func (s *Summary) add(r SeriesReport) {
	s.Series = append(s.Series, r)
	s.Fetched += r.Fetched
	s.Stored += r.Stored
	if r.Fetched == 0 {
		s.Empty++
	}
}

// Syncer drives fetch-then-persist passes over a set of series.
type Syncer struct {
	Store     Store
	Publisher Publisher
	Fetch     FetchFunc

	// OnBarsStored is an optional metrics hook.
	OnBarsStored func(symbol, tf string, n int)
}

// SyncHistorical backfills up to lookback bars per series. Bars older than
// the stored tail minus the overlap window are skipped, the rest are written
// replace-on-conflict so revised values win.
func (s *Syncer) SyncHistorical(ctx context.Context, symbols []string, tfs []timeframe.Label, lookback int) (Summary, error) {
	res, err := s.Fetch(ctx, tvclient.BatchOptions{
		Symbols:    symbols,
		Timeframes: tfs,
		Lookback:   lookback,
		Mode:       tvclient.ModeSnapshot,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("syncer: historical fetch: %w", err)
	}

	var sum Summary
	for _, sym := range symbols {
		for _, tf := range tfs {
			bars := res[model.SeriesKey{Symbol: sym, Timeframe: string(tf)}]
			report := SeriesReport{Symbol: sym, Timeframe: string(tf), Fetched: len(bars)}

			last, err := s.Store.LastTimestamp(ctx, sym, tf)
			if err != nil {
				return sum, fmt.Errorf("syncer: last ts %s %s: %w", sym, tf, err)
			}
			if !last.IsZero() {
				cutoff := last.Add(-time.Duration(overlapBars) * tf.Duration())
				bars = trimBefore(bars, cutoff)
			}

			n, err := s.Store.ReplaceBars(ctx, sym, tf, bars)
			if err != nil {
				return sum, fmt.Errorf("syncer: store %s %s: %w", sym, tf, err)
			}
			report.Stored = n
			if s.OnBarsStored != nil {
				s.OnBarsStored(sym, string(tf), n)
			}
			sum.add(report)
			log.Printf("[syncer] hist %s %s: fetched=%d stored=%d", sym, tf, report.Fetched, n)
		}
	}
	return sum, nil
}

// SyncRealtime fetches a shallow window in closed-bar mode, rewrites the
// trailing bars, and publishes anything newer than the previous stored tip.
func (s *Syncer) SyncRealtime(ctx context.Context, symbols []string, tfs []timeframe.Label) (Summary, error) {
	res, err := s.Fetch(ctx, tvclient.BatchOptions{
		Symbols:    symbols,
		Timeframes: tfs,
		Lookback:   realtimeLookback,
		Mode:       tvclient.ModeClosedBar,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("syncer: realtime fetch: %w", err)
	}

	var sum Summary
	for _, sym := range symbols {
		for _, tf := range tfs {
			bars := res[model.SeriesKey{Symbol: sym, Timeframe: string(tf)}]
			report := SeriesReport{Symbol: sym, Timeframe: string(tf), Fetched: len(bars)}
			if len(bars) == 0 {
				sum.add(report)
				log.Printf("[syncer] rt %s %s: no bars", sym, tf)
				continue
			}

			last, err := s.Store.LastTimestamp(ctx, sym, tf)
			if err != nil {
				return sum, fmt.Errorf("syncer: last ts %s %s: %w", sym, tf, err)
			}

			tail := bars
			if len(tail) > realtimeTail {
				tail = tail[len(tail)-realtimeTail:]
			}
			n, err := s.Store.ReplaceBars(ctx, sym, tf, tail)
			if err != nil {
				return sum, fmt.Errorf("syncer: store %s %s: %w", sym, tf, err)
			}
			report.Stored = n
			if s.OnBarsStored != nil {
				s.OnBarsStored(sym, string(tf), n)
			}

			if s.Publisher != nil {
				fresh := barsAfter(tail, last)
				if len(fresh) > 0 {
					if err := s.Publisher.PublishClosedBars(ctx, sym, tf, fresh); err != nil {
						log.Printf("[syncer] rt %s %s: publish: %v", sym, tf, err)
					}
				}
			}
			sum.add(report)
			log.Printf("[syncer] rt %s %s: fetched=%d stored=%d", sym, tf, report.Fetched, n)
		}
	}
	return sum, nil
}

// trimBefore drops bars strictly older than cutoff; input is ascending.
func trimBefore(bars []model.Bar, cutoff time.Time) []model.Bar {
	for i, b := range bars {
		if !b.TS.Before(cutoff) {
			return bars[i:]
		}
	}
	return nil
}

// barsAfter returns the bars strictly newer than last; input is ascending.
func barsAfter(bars []model.Bar, last time.Time) []model.Bar {
	for i, b := range bars {
		if b.TS.After(last) {
			return bars[i:]
		}
	}
	return nil
}
