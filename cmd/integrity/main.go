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
	"github.com/hanhvu87/Sen13-project/internal/notification"
	sqlitestore "github.com/hanhvu87/Sen13-project/internal/store/sqlite"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		symbol = flag.String("symbol", "", "symbol to check, e.g. BINANCE:BTCUSDT")
		tfFlag = flag.String("tf", "1h", "timeframe to check")
		days   = flag.Int("days", 30, "how many days back to scan")
		quiet  = flag.Bool("quiet", false, "skip alert delivery, print only")
	)
	flag.Parse()

	if *symbol == "" {
		log.Fatal("[integrity] --symbol is required")
	}
	tf, err := timeframe.Normalize(*tfFlag)
	if err != nil {
		log.Fatalf("[integrity] %v", err)
	}

	cfg := config.Load()
	store, err := sqlitestore.Open(cfg.SQLitePath, cfg.Provider)
	if err != nil {
		log.Fatalf("[integrity] open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	var pol calendar.Policy = calendar.WeekendClosed{}
	if meta, err := store.SymbolMeta(ctx, *symbol); err == nil {
		pol = calendar.ForMarket(calendar.ParseMarketType(meta.Type))
	}

	now := time.Now().UTC()
	end := tf.ClosedBarStart(now).Add(tf.Duration())
	start := end.Add(-time.Duration(*days) * 24 * time.Hour)

	stored, err := store.ReadTimestamps(ctx, *symbol, tf, start, end)
	if err != nil {
		log.Fatalf("[integrity] read timestamps: %v", err)
	}

	found := gaps.Detect(start, end, tf, pol, stored)
	if len(found) == 0 {
		fmt.Printf("%s %s: no gaps in %d days (%d bars stored)\n", *symbol, tf, *days, len(stored))
		return
	}

	missing := 0
	for _, g := range found {
		missing += g.Missing
		fmt.Printf("gap %s .. %s  (%d bars)\n",
			g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Missing)
	}
	fmt.Printf("%s %s: %d bars missing in %d ranges over %d days\n",
		*symbol, tf, missing, len(found), *days)

	if *quiet {
		return
	}
	notifier := buildNotifier(cfg)
	alertCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := notifier.Send(alertCtx, notification.GapAlert(*symbol, string(tf), found)); err != nil {
		log.Printf("[integrity] alert delivery: %v", err)
	}
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	var backends []notification.Notifier
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(backends) == 0 {
		return notification.NewLogNotifier()
	}
	return notification.NewMultiNotifier(backends...)
}
