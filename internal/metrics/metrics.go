package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	BarsFetched     *prometheus.CounterVec // labels: timeframe
	BarsStored      *prometheus.CounterVec // labels: timeframe
	WSReconnects    prometheus.Counter
	SeriesRetries   prometheus.Counter
	SeriesAbandoned prometheus.Counter
	EmptySeries     prometheus.Counter

	GapsDetected   *prometheus.CounterVec // labels: timeframe
	GapsRepaired   *prometheus.CounterVec // labels: timeframe
	BarsBackfilled prometheus.Counter

	FetchDur        prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram
	RedisPublishDur prometheus.Histogram

	LastBarAge *prometheus.GaugeVec // labels: timeframe
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		BarsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvsync_bars_fetched_total",
			Help: "Closed bars received from the provider (by timeframe)",
		}, []string{"tf"}),
		BarsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvsync_bars_stored_total",
			Help: "Bars written to the price database (by timeframe)",
		}, []string{"tf"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvsync_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		SeriesRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvsync_series_retries_total",
			Help: "Series recreated after a provider series-limit error",
		}),
		SeriesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvsync_series_abandoned_total",
			Help: "Series given up on after unrecoverable provider errors",
		}),
		EmptySeries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvsync_empty_series_total",
			Help: "Series that produced no bars within the batch timeout",
		}),
		GapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvsync_gaps_detected_total",
			Help: "Gaps found by integrity checks (by timeframe)",
		}, []string{"tf"}),
		GapsRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tvsync_gaps_repaired_total",
			Help: "Gaps successfully backfilled (by timeframe)",
		}, []string{"tf"}),
		BarsBackfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvsync_backfill_bars_total",
			Help: "Bars inserted by gap repair runs",
		}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tvsync_fetch_duration_seconds",
			Help:    "Wall-clock duration of one batch fetch pass",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100},
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tvsync_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tvsync_redis_publish_duration_seconds",
			Help:    "Redis publish pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		LastBarAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tvsync_last_bar_age_seconds",
			Help: "Age of the newest stored bar vs wall clock (by timeframe)",
		}, []string{"tf"}),
	}

	prometheus.MustRegister(
		m.BarsFetched,
		m.BarsStored,
		m.WSReconnects,
		m.SeriesRetries,
		m.SeriesAbandoned,
		m.EmptySeries,
		m.GapsDetected,
		m.GapsRepaired,
		m.BarsBackfilled,
		m.FetchDur,
		m.SQLiteCommitDur,
		m.RedisPublishDur,
		m.LastBarAge,
	)

	return m
}

// HealthStatus represents the sync process health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastSyncTime   time.Time `json:"last_sync_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSyncTime(t time.Time) {
	h.mu.Lock()
	h.LastSyncTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.WSConnected || !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	syncAge := ""
	if !h.LastSyncTime.IsZero() {
		syncAge = time.Since(h.LastSyncTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastSyncTime    string  `json:"last_sync_time"`
		SyncAge         string  `json:"sync_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastSyncTime:    h.LastSyncTime.Format(time.RFC3339),
		SyncAge:         syncAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
