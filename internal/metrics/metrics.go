// Package metrics exposes Prometheus instrumentation for the core: pool
// and transaction activity, health probes, retention sweeps, command-plane
// loads, and secret rotations. Collectors register on the default registry
// once, on first use.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgefleet"

// coreMetrics bundles every collector the core emits.
type coreMetrics struct {
	poolOpen        prometheus.Gauge
	poolInUse       prometheus.Gauge
	poolIdle        prometheus.Gauge
	connections     prometheus.Counter
	transactions    prometheus.Counter
	txInFlight      prometheus.Gauge
	dbErrors        prometheus.Counter
	dbHealthy       prometheus.Gauge
	probeDuration   *prometheus.HistogramVec
	retentionSweeps *prometheus.CounterVec
	retentionRows   *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
	moduleLoads     *prometheus.CounterVec
	modulesLoaded   prometheus.Gauge
	commandRuns     *prometheus.CounterVec
	secretRotations prometheus.Counter
	secretFallbacks prometheus.Counter
}

var (
	instance *coreMetrics
	once     sync.Once
)

func get() *coreMetrics {
	once.Do(func() {
		instance = newCoreMetrics()
		instance.register()
	})
	return instance
}

func newCoreMetrics() *coreMetrics {
	return &coreMetrics{
		poolOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "pool_open_connections",
			Help: "Open connections in the database pool.",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "pool_in_use_connections",
			Help: "Connections currently checked out of the pool.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "pool_idle_connections",
			Help: "Idle connections in the pool.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "sessions_total",
			Help: "Total sessions handed out by the connection manager.",
		}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "transactions_total",
			Help: "Total transactions begun.",
		}),
		txInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "transactions_in_flight",
			Help: "Transactions currently open.",
		}),
		dbErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "errors_total",
			Help: "Backend errors observed by the connection manager.",
		}),
		dbHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db",
			Name: "healthy",
			Help: "1 when the health monitor considers the database healthy.",
		}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "db",
			Name:    "health_probe_duration_seconds",
			Help:    "Duration of health probes partitioned by result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"result"}),
		retentionSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention",
			Name: "sweeps_total",
			Help: "Retention sweeps partitioned by data type and status.",
		}, []string{"data_type", "status"}),
		retentionRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention",
			Name: "rows_total",
			Help: "Rows archived and deleted by retention sweeps.",
		}, []string{"data_type", "disposition"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retention",
			Name:    "sweep_duration_seconds",
			Help:    "Duration of retention sweeps per data type.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"data_type"}),
		moduleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands",
			Name: "module_loads_total",
			Help: "Command module load attempts partitioned by result.",
		}, []string{"result"}),
		modulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "commands",
			Name: "modules_loaded",
			Help: "Command modules currently loaded.",
		}),
		commandRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands",
			Name: "executions_total",
			Help: "Command executions partitioned by command and result.",
		}, []string{"command", "result"}),
		secretRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "secrets",
			Name: "rotations_total",
			Help: "Completed data-encryption-key rotations.",
		}),
		secretFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "secrets",
			Name: "cache_fallbacks_total",
			Help: "Secret reads served from cache because the store was unavailable.",
		}),
	}
}

func (m *coreMetrics) register() {
	prometheus.MustRegister(
		m.poolOpen, m.poolInUse, m.poolIdle,
		m.connections, m.transactions, m.txInFlight, m.dbErrors,
		m.dbHealthy, m.probeDuration,
		m.retentionSweeps, m.retentionRows, m.sweepDuration,
		m.moduleLoads, m.modulesLoaded, m.commandRuns,
		m.secretRotations, m.secretFallbacks,
	)
}

// SetPoolStats publishes a pool snapshot.
func SetPoolStats(open, inUse, idle int) {
	m := get()
	m.poolOpen.Set(float64(open))
	m.poolInUse.Set(float64(inUse))
	m.poolIdle.Set(float64(idle))
}

// RecordSession counts a session checkout.
func RecordSession() { get().connections.Inc() }

// RecordTransaction counts a transaction begin.
func RecordTransaction() { get().transactions.Inc() }

// SetTransactionsInFlight publishes the open-transaction count.
func SetTransactionsInFlight(n int64) { get().txInFlight.Set(float64(n)) }

// RecordDatabaseError counts a backend error.
func RecordDatabaseError() { get().dbErrors.Inc() }

// SetDatabaseHealthy publishes the health monitor flag.
func SetDatabaseHealthy(healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	get().dbHealthy.Set(v)
}

// ObserveHealthProbe records one probe outcome.
func ObserveHealthProbe(d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	get().probeDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordRetentionSweep records one sweep outcome with its volumes.
func RecordRetentionSweep(dataType, status string, archived, deleted int64, d time.Duration) {
	m := get()
	m.retentionSweeps.WithLabelValues(dataType, status).Inc()
	m.retentionRows.WithLabelValues(dataType, "archived").Add(float64(archived))
	m.retentionRows.WithLabelValues(dataType, "deleted").Add(float64(deleted))
	m.sweepDuration.WithLabelValues(dataType).Observe(d.Seconds())
}

// RecordModuleLoad counts a command module load attempt.
func RecordModuleLoad(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	get().moduleLoads.WithLabelValues(result).Inc()
}

// SetModulesLoaded publishes the loaded module count.
func SetModulesLoaded(n int) { get().modulesLoaded.Set(float64(n)) }

// RecordCommandRun counts one command execution.
func RecordCommandRun(command string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	get().commandRuns.WithLabelValues(command, result).Inc()
}

// RecordSecretRotation counts a completed DEK rotation.
func RecordSecretRotation() { get().secretRotations.Inc() }

// RecordSecretFallback counts a cache-served secret read.
func RecordSecretFallback() { get().secretFallbacks.Inc() }
