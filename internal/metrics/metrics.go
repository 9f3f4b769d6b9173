// ABOUTME: Prometheus collectors for store, migration, auth and maintenance activity
// ABOUTME: Nil-safe recorder methods so components can record unconditionally

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels shared by the recorders.
const (
	ResultOK    = "ok"
	ResultBusy  = "busy"
	ResultError = "error"
)

// Collector holds the registered Prometheus metrics.
type Collector struct {
	storeOps        *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	migrationsUp    prometheus.Counter
	migrationsDown  prometheus.Counter
	authAttempts    *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	maintenanceRuns *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upkeep_store_operations_total",
			Help: "Store operations processed by the serialized worker",
		}, []string{"op", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upkeep_store_operation_seconds",
			Help:    "Time spent executing store operations on the worker",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		migrationsUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upkeep_migrations_applied_total",
			Help: "Schema migrations applied",
		}),
		migrationsDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upkeep_migrations_rolled_back_total",
			Help: "Schema migrations rolled back",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upkeep_auth_attempts_total",
			Help: "Login attempts by outcome",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upkeep_sessions_created_total",
			Help: "Sessions issued after successful login",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upkeep_maintenance_runs_total",
			Help: "Maintenance tasks executed by outcome",
		}, []string{"task", "result"}),
	}

	reg.MustRegister(
		c.storeOps,
		c.storeLatency,
		c.migrationsUp,
		c.migrationsDown,
		c.authAttempts,
		c.sessionsCreated,
		c.maintenanceRuns,
	)

	return c
}

// ObserveStoreOp records one store operation and its latency.
func (c *Collector) ObserveStoreOp(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.storeOps.WithLabelValues(op, result).Inc()
	c.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// MigrationApplied counts one forward migration.
func (c *Collector) MigrationApplied() {
	if c == nil {
		return
	}
	c.migrationsUp.Inc()
}

// MigrationRolledBack counts one reverted migration.
func (c *Collector) MigrationRolledBack() {
	if c == nil {
		return
	}
	c.migrationsDown.Inc()
}

// AuthAttempt counts a login attempt with the given outcome
// ("success", "invalid", "locked").
func (c *Collector) AuthAttempt(result string) {
	if c == nil {
		return
	}
	c.authAttempts.WithLabelValues(result).Inc()
}

// SessionCreated counts an issued session.
func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

// MaintenanceRun records the outcome of one maintenance task.
func (c *Collector) MaintenanceRun(task string, err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.maintenanceRuns.WithLabelValues(task, result).Inc()
}

// Handler returns a mux serving the gatherer's metrics at path.
func Handler(gatherer prometheus.Gatherer, path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
