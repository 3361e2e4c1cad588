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
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus represents the health of one pricer process.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	BreakerState   string    `json:"breaker_state"`
	WorkersRunning bool      `json:"workers_running"`
	LastJobAt      time.Time `json:"last_job_at"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// dependencies this process actually uses
	needRedis   bool
	needSQLite  bool
	needWorkers bool
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		BreakerState: "closed",
	}
}

// SetWorkersRunning marks the worker pool up or down. Once called, a
// stopped pool makes the process report degraded.
func (h *HealthStatus) SetWorkersRunning(v bool) {
	h.mu.Lock()
	h.needWorkers = true
	h.WorkersRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastJobAt(t time.Time) {
	h.mu.Lock()
	h.LastJobAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetBreakerState(s string) {
	h.mu.Lock()
	h.BreakerState = s
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.needRedis = true
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
	h.needSQLite = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Check runs one round of probes. nil dependencies are skipped.
func (h *HealthStatus) Check(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(probeCtx, sqlDB)
	}
}

// StartLivenessChecker probes immediately, then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	h.Check(ctx, rdb, sqlDB)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx, rdb, sqlDB)
			}
		}
	}()
}

// Report is the JSON body served on /healthz.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	BreakerState    string  `json:"breaker_state"`
	WorkersRunning  bool    `json:"workers_running"`
	LastJobAt       string  `json:"last_job_at,omitempty"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report summarises the current state. healthy: every dependency in use is
// up; degraded: some are down; unhealthy: every store in use is down.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	down, stores, storesDown := 0, 0, 0
	if h.needRedis {
		stores++
		if !h.RedisConnected {
			down++
			storesDown++
		}
	}
	if h.needSQLite {
		stores++
		if !h.SQLiteOK {
			down++
			storesDown++
		}
	}
	if h.needWorkers && !h.WorkersRunning {
		down++
	}
	if h.BreakerState == "open" {
		down++
	}

	status := "healthy"
	switch {
	case stores > 0 && storesDown == stores:
		status = "unhealthy"
	case down > 0:
		status = "degraded"
	}

	r := Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		BreakerState:    h.BreakerState,
		WorkersRunning:  h.WorkersRunning,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	if !h.LastJobAt.IsZero() {
		r.LastJobAt = h.LastJobAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
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
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
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
