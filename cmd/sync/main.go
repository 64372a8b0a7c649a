package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/hanhvu87/Sen13-project/config"
	"github.com/hanhvu87/Sen13-project/internal/logger"
	"github.com/hanhvu87/Sen13-project/internal/metrics"
	redisstore "github.com/hanhvu87/Sen13-project/internal/store/redis"
	sqlitestore "github.com/hanhvu87/Sen13-project/internal/store/sqlite"
	"github.com/hanhvu87/Sen13-project/internal/syncer"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
	"github.com/hanhvu87/Sen13-project/internal/tvclient"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		mode     = flag.String("mode", "rt", "sync mode: hist (deep backfill) or rt (closed-bar refresh)")
		symbols  = flag.String("symbols", "", "comma-separated symbols, e.g. BINANCE:BTCUSDT,OANDA:EURUSD")
		all      = flag.Bool("all", false, "sync every active symbol in the database")
		tfs      = flag.String("tfs", "1h", "comma-separated timeframes, e.g. m15,1h,1d")
		lookback = flag.Int("lookback", 1500, "bars to fetch per series in hist mode")
		tz       = flag.String("tz", "UTC", "display timezone for logged bar times")
	)
	flag.Parse()

	if *mode != "hist" && *mode != "rt" {
		log.Fatalf("[sync] unknown mode %q", *mode)
	}

	cfg := config.Load()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("[sync] bad timezone %q: %v", *tz, err)
	}

	tfList, err := parseTimeframes(*tfs)
	if err != nil {
		log.Fatalf("[sync] %v", err)
	}

	store, err := sqlitestore.Open(cfg.SQLitePath, cfg.Provider)
	if err != nil {
		log.Fatalf("[sync] open store: %v", err)
	}
	defer store.Close()

	slogger := logger.Init("sync", slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithRunID(ctx, logger.GenerateRunID(*mode, time.Now()))
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[sync] received %v, finishing with partial results", sig)
		cancel()
	}()

	symbolList, err := resolveSymbols(ctx, store, *symbols, *all)
	if err != nil {
		log.Fatalf("[sync] %v", err)
	}

	var prom *metrics.Metrics
	var health *metrics.HealthStatus
	if cfg.MetricsAddr != "" {
		prom = metrics.NewMetrics()
		health = metrics.NewHealthStatus()
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

	var publisher syncer.Publisher
	if cfg.RedisAddr != "" {
		pub, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[sync] redis unavailable, continuing without publisher: %v", err)
		} else {
			defer pub.Close()
			if prom != nil {
				pub.OnPublish = func(d time.Duration) { prom.RedisPublishDur.Observe(d.Seconds()) }
			}
			if health != nil {
				health.CheckRedis(ctx, pub.Client())
			}
			publisher = pub
		}
	}

	if health != nil {
		var rdb *goredis.Client
		if pub, ok := publisher.(*redisstore.Publisher); ok {
			rdb = pub.Client()
		}
		health.StartLivenessChecker(ctx, rdb, store.DB(), 15*time.Second)
	}

	dialer := tvclient.NewDialer(cfg)
	fetch := func(ctx context.Context, opts tvclient.BatchOptions) (tvclient.Result, error) {
		opts.Timeout = cfg.FetchTimeout
		if opts.Mode == tvclient.ModeClosedBar {
			opts.Timeout = cfg.ClosedBarTimeout
		}
		opts.Location = loc
		bc := tvclient.NewBatchCollector(dialer, cfg.AuthToken, opts)
		if prom != nil {
			bc.OnReconnect = func() { prom.WSReconnects.Inc() }
		}
		start := time.Now()
		res, err := bc.Run(ctx)
		if prom != nil {
			prom.FetchDur.Observe(time.Since(start).Seconds())
		}
		if health != nil {
			health.SetWSConnected(err == nil)
		}
		return res, err
	}

	s := &syncer.Syncer{Store: store, Publisher: publisher, Fetch: fetch}
	if prom != nil {
		s.OnBarsStored = func(symbol, tf string, n int) {
			prom.BarsStored.WithLabelValues(tf).Add(float64(n))
		}
	}

	var sum syncer.Summary
	switch *mode {
	case "hist":
		sum, err = s.SyncHistorical(ctx, symbolList, tfList, *lookback)
	case "rt":
		sum, err = s.SyncRealtime(ctx, symbolList, tfList)
	}
	if err != nil {
		log.Fatalf("[sync] %s run failed: %v", *mode, err)
	}
	if health != nil {
		health.SetLastSyncTime(time.Now())
	}
	if prom != nil {
		for _, r := range sum.Series {
			prom.BarsFetched.WithLabelValues(r.Timeframe).Add(float64(r.Fetched))
			if r.Fetched == 0 {
				prom.EmptySeries.Inc()
			}
		}
		reportBarAges(ctx, store, prom, symbolList, tfList)
	}

	for _, r := range sum.Series {
		fmt.Printf("%-24s %-6s fetched=%-6d stored=%d\n", r.Symbol, r.Timeframe, r.Fetched, r.Stored)
	}
	fmt.Printf("total: series=%d fetched=%d stored=%d empty=%d\n",
		len(sum.Series), sum.Fetched, sum.Stored, sum.Empty)
	slogger.Info("sync pass finished", append(logger.LogWithRun(ctx),
		"mode", *mode,
		"series", len(sum.Series),
		"fetched", sum.Fetched,
		"stored", sum.Stored,
		"empty", sum.Empty)...)
}

// reportBarAges sets the staleness gauge per timeframe to the worst age
// across the synced symbols.
func reportBarAges(ctx context.Context, store *sqlitestore.Store, prom *metrics.Metrics, symbols []string, tfs []timeframe.Label) {
	now := time.Now()
	for _, tf := range tfs {
		worst := 0.0
		for _, sym := range symbols {
			last, err := store.LastTimestamp(ctx, sym, tf)
			if err != nil || last.IsZero() {
				continue
			}
			if age := now.Sub(last).Seconds(); age > worst {
				worst = age
			}
		}
		if worst > 0 {
			prom.LastBarAge.WithLabelValues(string(tf)).Set(worst)
		}
	}
}

func parseTimeframes(raw string) ([]timeframe.Label, error) {
	var out []timeframe.Label
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		tf, err := timeframe.Normalize(part)
		if err != nil {
			return nil, fmt.Errorf("timeframe %q: %w", part, err)
		}
		out = append(out, tf)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no timeframes given")
	}
	return out, nil
}

func resolveSymbols(ctx context.Context, store *sqlitestore.Store, raw string, all bool) ([]string, error) {
	if all {
		names, err := store.ListActiveSymbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active symbols: %w", err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no active symbols in database")
		}
		return names, nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbols given (use --symbols or --all)")
	}
	for _, name := range out {
		if _, err := store.EnsureSymbol(ctx, name); err != nil {
			return nil, fmt.Errorf("register symbol %s: %w", name, err)
		}
	}
	return out, nil
}
