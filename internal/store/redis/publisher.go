package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

const (
	// Stream trimming: enough history for downstream consumers to catch up
	// after a restart without replaying the whole database.
	streamMaxLen = 2000

	defaultLatestTTL = 30 * time.Minute
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher fans freshly closed bars out to Redis: a capped stream per
// series for replayable consumers, a latest-value key, and a pubsub channel
// for live subscribers. Publishing is best-effort; the database stays the
// source of truth.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker

	// OnPublish is an optional metrics hook observing pipeline durations.
	OnPublish func(time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{
		client:  client,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// PublishClosedBars writes one series' newly closed bars in a single
// pipeline. With Redis down the circuit breaker short-circuits after a few
// failures so sync runs are not slowed by per-call timeouts.
func (p *Publisher) PublishClosedBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	streamKey := "bars:" + string(tf) + ":" + symbol
	latestKey := "bars:" + string(tf) + ":latest:" + symbol
	pubsubCh := "pub:bars:" + string(tf) + ":" + symbol

	return p.breaker.Execute(func() error {
		start := time.Now()
		pipe := p.client.Pipeline()
		for _, b := range bars {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: streamKey,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": string(b.JSON())},
			})
		}
		last := string(bars[len(bars)-1].JSON())
		pipe.Set(ctx, latestKey, last, defaultLatestTTL)
		pipe.Publish(ctx, pubsubCh, last)

		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[redis] publish pipeline error for %s %s: %v", symbol, tf, err)
			return err
		}
		if p.OnPublish != nil {
			p.OnPublish(time.Since(start))
		}
		return nil
	})
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
