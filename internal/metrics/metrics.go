package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the signal bot.
type Metrics struct {
	TicksTotal   prometheus.Counter
	TickErrors   *prometheus.CounterVec // labels: reason
	TickDuration prometheus.Histogram

	SignalsTotal *prometheus.CounterVec // labels: kind
	Phase        prometheus.Gauge       // model.Phase.Gauge()
	ActivePivot  *prometheus.GaugeVec   // labels: session, 1 for the active set
	Switches     prometheus.Counter
	Volatility   prometheus.Gauge

	LevelComputations *prometheus.CounterVec // labels: session, result

	// Persistence
	StateWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram
	RedisWriteDur   prometheus.Histogram
	SinkFailures    *prometheus.CounterVec // labels: target

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics registers and returns all metrics on the default registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New registers and returns all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pivotbot_ticks_total",
			Help: "Evaluation cycles run",
		}),
		TickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotbot_tick_errors_total",
			Help: "Evaluation cycles aborted (by reason)",
		}, []string{"reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pivotbot_tick_duration_seconds",
			Help:    "Evaluation cycle latency including market-data fetch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotbot_signals_total",
			Help: "Signals emitted (by kind)",
		}, []string{"kind"}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pivotbot_phase",
			Help: "Breakout phase (0=none, 1=tension, 2=partial, 3=validated, 4=invalidated, 5=neutral)",
		}),
		ActivePivot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pivotbot_active_pivot",
			Help: "Active pivot set (1 for the active session)",
		}, []string{"session"}),
		Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pivotbot_pivot_switches_total",
			Help: "Active pivot set switches",
		}),
		Volatility: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pivotbot_volatility_pct",
			Help: "Trailing 60 minute price range over average, percent",
		}),

		LevelComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotbot_level_computations_total",
			Help: "Pivot level computations (by session and result)",
		}, []string{"session", "result"}),

		StateWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pivotbot_state_write_duration_seconds",
			Help:    "Durable state flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pivotbot_sqlite_commit_duration_seconds",
			Help:    "SQLite journal write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pivotbot_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotbot_sink_failures_total",
			Help: "Persistence and notification failures (by target)",
		}, []string{"target"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pivotbot_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pivotbot_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickErrors,
		m.TickDuration,
		m.SignalsTotal,
		m.Phase,
		m.ActivePivot,
		m.Switches,
		m.Volatility,
		m.LevelComputations,
		m.StateWriteDur,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
		m.SinkFailures,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	LastTickTime   time.Time `json:"last_tick_time"`
	MarketDataOK   bool      `json:"market_data_ok"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	StaleAfter     time.Duration

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status. A tick older than
// staleAfter marks the bot degraded.
func NewHealthStatus(staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		StaleAfter: staleAfter,
	}
}

// RecordTick stamps a completed tick and whether its price fetch succeeded.
func (h *HealthStatus) RecordTick(t time.Time, marketDataOK bool) {
	h.mu.Lock()
	h.LastTickTime = t
	h.MarketDataOK = marketDataOK
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
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

	stale := h.LastTickTime.IsZero() || (h.StaleAfter > 0 && time.Since(h.LastTickTime) > h.StaleAfter)
	if stale || !h.MarketDataOK || !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if stale && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		MarketDataOK    bool    `json:"market_data_ok"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		MarketDataOK:    h.MarketDataOK,
		RedisEnabled:    h.RedisEnabled,
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

// StatusFunc returns a JSON-serialisable snapshot for /status.
type StatusFunc func() any

// Server runs an HTTP server exposing /metrics, /healthz and /status.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    zerolog.Logger
}

// NewServer creates a metrics and health server. status may be nil.
func NewServer(addr string, health *HealthStatus, status StatusFunc, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(status())
		})
	}

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
