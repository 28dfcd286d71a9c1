package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var statusRank = map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

var errPoolExhausted = errors.New("connection pool exhausted")

// HealthStatus is the readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of one probe
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// probe checks one dependency. A failing critical probe makes the service
// unhealthy; any other failure only degrades it.
type probe struct {
	name     string
	critical bool
	check    func(ctx context.Context) error
}

// HealthChecker reports liveness and dependency readiness. The postgres
// ledger is critical. Redis only holds webhook dedup keys, so losing it
// degrades the service. Both are optional on the in-memory store.
type HealthChecker struct {
	version string
	started time.Time
	probes  []probe
	db      *sql.DB
	metrics *Metrics
}

// NewHealthChecker creates a checker; db and redis may be nil
func NewHealthChecker(db *sql.DB, rdb *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version, started: time.Now(), db: db}
	if db != nil {
		h.probes = append(h.probes, probe{name: "database", critical: true, check: h.pingDatabase})
	}
	if rdb != nil {
		h.probes = append(h.probes, probe{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return h
}

// WithMetrics publishes pool statistics on every database check
func (h *HealthChecker) WithMetrics(m *Metrics) *HealthChecker {
	h.metrics = m
	return h
}

func (h *HealthChecker) pingDatabase(ctx context.Context) error {
	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	stats := h.db.Stats()
	h.metrics.UpdateDBStats(stats)
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		return errPoolExhausted
	}
	return nil
}

// Check runs every probe and folds the results into one status
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	report := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.probes)),
	}

	for _, p := range h.probes {
		dep := run(ctx, p)
		report.Dependencies[p.name] = dep

		overall := dep.Status
		if dep.Status == StatusUnhealthy && !p.critical {
			overall = StatusDegraded
		}
		if statusRank[overall] > statusRank[report.Status] {
			report.Status = overall
		}
	}
	return report
}

func run(ctx context.Context, p probe) DependencyStatus {
	start := time.Now()
	err := p.check(ctx)
	dep := DependencyStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Critical:  p.critical,
		Timestamp: start,
	}
	switch {
	case errors.Is(err, errPoolExhausted):
		dep.Status = StatusDegraded
		dep.Message = err.Error()
	case err != nil:
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// Liveness returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":         StatusHealthy,
		"timestamp":      time.Now(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Readiness returns 503 only when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := h.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, report)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
