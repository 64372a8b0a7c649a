package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/hanhvu87/Sen13-project/config"
	"github.com/hanhvu87/Sen13-project/internal/calendar"
	"github.com/hanhvu87/Sen13-project/internal/gaps"
	"github.com/hanhvu87/Sen13-project/internal/metrics"
	"github.com/hanhvu87/Sen13-project/internal/model"
	sqlitestore "github.com/hanhvu87/Sen13-project/internal/store/sqlite"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
	"github.com/hanhvu87/Sen13-project/internal/tvclient"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		symbol = flag.String("symbol", "", "symbol to repair, e.g. BINANCE:BTCUSDT")
		tfFlag = flag.String("tf", "1h", "timeframe to repair")
		days   = flag.Int("days", 30, "how many days back to scan")
		passes = flag.Int("passes", 2, "max detect-and-repair passes")
	)
	flag.Parse()

	if *symbol == "" {
		log.Fatal("[repair] --symbol is required")
	}
	tf, err := timeframe.Normalize(*tfFlag)
	if err != nil {
		log.Fatalf("[repair] %v", err)
	}

	cfg := config.Load()
	store, err := sqlitestore.Open(cfg.SQLitePath, cfg.Provider)
	if err != nil {
		log.Fatalf("[repair] open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	var prom *metrics.Metrics
	if cfg.MetricsAddr != "" {
		prom = metrics.NewMetrics()
		health := metrics.NewHealthStatus()
		srv := metrics.NewServer(cfg.MetricsAddr, health)
		srv.Start()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
			srv.Stop(shutCtx)
			shutCancel()
		}()
		health.CheckSQLite(ctx, store.DB())
		store.OnCommit = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
	}

	var pol calendar.Policy = calendar.WeekendClosed{}
	if meta, err := store.SymbolMeta(ctx, *symbol); err == nil {
		pol = calendar.ForMarket(calendar.ParseMarketType(meta.Type))
	}

	dialer := tvclient.NewDialer(cfg)
	repairer := &gaps.Repairer{
		Sink: store,
		Fetch: func(ctx context.Context, symbol string, tf timeframe.Label, count int) ([]model.Bar, error) {
			conn, err := dialer.Dial()
			if err != nil {
				return nil, err
			}
			f := tvclient.NewFetcher(conn, cfg.AuthToken, tvclient.FetchOptions{
				Symbols:    []string{symbol},
				Timeframes: []timeframe.Label{tf},
				Count:      count,
				Timeout:    cfg.FetchTimeout,
			})
			if prom != nil {
				f.OnSeriesRetry = func() { prom.SeriesRetries.Inc() }
				f.OnSeriesAbandoned = func() { prom.SeriesAbandoned.Inc() }
			}
			res := f.Run(ctx)
			return res[model.SeriesKey{Symbol: symbol, Timeframe: string(tf)}], nil
		},
	}

	totalInserted := 0
	for pass := 1; pass <= *passes; pass++ {
		now := time.Now().UTC()
		end := tf.ClosedBarStart(now).Add(tf.Duration())
		start := end.Add(-time.Duration(*days) * 24 * time.Hour)

		stored, err := store.ReadTimestamps(ctx, *symbol, tf, start, end)
		if err != nil {
			log.Fatalf("[repair] read timestamps: %v", err)
		}
		found := gaps.Detect(start, end, tf, pol, stored)
		if len(found) == 0 {
			fmt.Printf("pass %d: no gaps\n", pass)
			break
		}

		missing := 0
		for _, g := range found {
			missing += g.Missing
		}
		log.Printf("[repair] pass %d: %d bars missing in %d ranges", pass, missing, len(found))
		if prom != nil {
			prom.GapsDetected.WithLabelValues(string(tf)).Add(float64(len(found)))
		}

		inserted, err := repairer.RepairAll(ctx, *symbol, tf, found)
		totalInserted += inserted
		if prom != nil && inserted > 0 {
			prom.GapsRepaired.WithLabelValues(string(tf)).Add(float64(len(found)))
			prom.BarsBackfilled.Add(float64(inserted))
		}
		if err != nil {
			log.Printf("[repair] pass %d: %v", pass, err)
		}
		fmt.Printf("pass %d: repaired %d bars\n", pass, inserted)
		if inserted == 0 {
			// Provider has nothing more for these ranges; re-running would
			// just repeat the same fetches.
			break
		}
	}
	fmt.Printf("%s %s: inserted %d bars total\n", *symbol, tf, totalInserted)
}
