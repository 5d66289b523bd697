package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/metrics"
)

// responseWindowSize bounds the rolling probe latency window.
const responseWindowSize = 100

// HealthCallback is notified when the monitor flips between healthy and
// unhealthy. Callbacks run from the probing goroutine; a panic in one
// callback never stops the others.
type HealthCallback func(healthy bool, snapshot HealthSnapshot)

// HealthSnapshot is a point-in-time copy of the monitor state.
type HealthSnapshot struct {
	Healthy              bool       `json:"healthy"`
	TotalChecks          int64      `json:"totalChecks"`
	Successful           int64      `json:"successful"`
	Failed               int64      `json:"failed"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	UptimePercentage     float64    `json:"uptimePercentage"`
	LastCheckAt          *time.Time `json:"lastCheckAt,omitempty"`
	LastSuccessAt        *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt        *time.Time `json:"lastFailureAt,omitempty"`
	AvgResponseMs        float64    `json:"avgResponseMs"`
	MinResponseMs        float64    `json:"minResponseMs"`
	MaxResponseMs        float64    `json:"maxResponseMs"`
}

// HealthMonitor probes the engine on a fixed interval and tracks outcome
// metrics. Probes are serialized: one outstanding probe at a time, whether
// scheduled or forced.
type HealthMonitor struct {
	probe            func(ctx context.Context) error
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int

	// probeMu serializes probe execution across the loop and ForceCheck.
	probeMu sync.Mutex

	mu                   sync.RWMutex
	healthy              bool
	totalChecks          int64
	successful           int64
	failed               int64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastCheckAt          time.Time
	lastSuccessAt        time.Time
	lastFailureAt        time.Time
	window               [responseWindowSize]time.Duration
	windowLen            int
	windowNext           int
	callbacks            []HealthCallback
	started              bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewHealthMonitor builds a monitor around a probe function. The monitor
// starts in the healthy state; it has no evidence of trouble yet.
func NewHealthMonitor(probe func(ctx context.Context) error, interval, timeout time.Duration, failureThreshold int) *HealthMonitor {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &HealthMonitor{
		probe:            probe,
		interval:         interval,
		timeout:          timeout,
		failureThreshold: failureThreshold,
		healthy:          true,
		stopChan:         make(chan struct{}),
	}
}

// OnStatusChange registers a callback for healthy/unhealthy transitions.
func (m *HealthMonitor) OnStatusChange(cb HealthCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	log.Debug().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Int("failureThreshold", m.failureThreshold).
		Msg("Database health monitor started")
}

// Stop terminates the probe loop and waits for it to exit. The monitor is
// not restartable; RecreateEngine builds a fresh one.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	m.wg.Wait()
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ForceCheck(ctx)
		}
	}
}

// ForceCheck runs one probe immediately and returns the resulting healthy
// flag. It shares the serialization lock with the scheduled loop.
func (m *HealthMonitor) ForceCheck(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	err := m.probe(probeCtx)
	elapsed := time.Since(start)
	cancel()

	metrics.ObserveHealthProbe(elapsed, err == nil)

	m.mu.Lock()
	now := time.Now().UTC()
	m.totalChecks++
	m.lastCheckAt = now

	var flipped bool
	var notify []HealthCallback
	if err == nil {
		m.successful++
		m.lastSuccessAt = now
		m.consecutiveSuccesses++
		m.consecutiveFailures = 0
		m.window[m.windowNext] = elapsed
		m.windowNext = (m.windowNext + 1) % responseWindowSize
		if m.windowLen < responseWindowSize {
			m.windowLen++
		}
		if !m.healthy {
			m.healthy = true
			flipped = true
			notify = append(notify, m.callbacks...)
		}
	} else {
		m.failed++
		m.lastFailureAt = now
		m.consecutiveFailures++
		m.consecutiveSuccesses = 0
		if m.healthy && m.consecutiveFailures >= m.failureThreshold {
			m.healthy = false
			flipped = true
			notify = append(notify, m.callbacks...)
		}
	}
	healthy := m.healthy
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).
			Int("consecutiveFailures", snapshot.ConsecutiveFailures).
			Msg("Database health probe failed")
	}
	if flipped {
		metrics.SetDatabaseHealthy(healthy)
		if healthy {
			log.Info().Msg("Database connection recovered")
		} else {
			log.Error().
				Int("consecutiveFailures", snapshot.ConsecutiveFailures).
				Msg("Database connection unhealthy")
		}
		for _, cb := range notify {
			m.invoke(cb, healthy, snapshot)
		}
	}
	return healthy
}

// invoke runs one callback, containing panics so the remaining callbacks
// still fire.
func (m *HealthMonitor) invoke(cb HealthCallback, healthy bool, snapshot HealthSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Health status callback panicked")
		}
	}()
	cb(healthy, snapshot)
}

// IsHealthy reports the current healthy flag. The value may be stale by one
// probe interval.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// WaitForHealthy blocks until the monitor is healthy or the timeout
// elapses, returning false on timeout or context cancellation.
func (m *HealthMonitor) WaitForHealthy(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if m.IsHealthy() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// ResetMetrics zeros the counters and the response-time window without
// touching the healthy flag.
func (m *HealthMonitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalChecks = 0
	m.successful = 0
	m.failed = 0
	m.consecutiveFailures = 0
	m.consecutiveSuccesses = 0
	m.lastCheckAt = time.Time{}
	m.lastSuccessAt = time.Time{}
	m.lastFailureAt = time.Time{}
	m.windowLen = 0
	m.windowNext = 0
}

// Snapshot returns a copy of the current metrics.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *HealthMonitor) snapshotLocked() HealthSnapshot {
	s := HealthSnapshot{
		Healthy:              m.healthy,
		TotalChecks:          m.totalChecks,
		Successful:           m.successful,
		Failed:               m.failed,
		ConsecutiveFailures:  m.consecutiveFailures,
		ConsecutiveSuccesses: m.consecutiveSuccesses,
	}
	if m.totalChecks > 0 {
		s.UptimePercentage = float64(m.successful) / float64(m.totalChecks) * 100
	}
	if !m.lastCheckAt.IsZero() {
		t := m.lastCheckAt
		s.LastCheckAt = &t
	}
	if !m.lastSuccessAt.IsZero() {
		t := m.lastSuccessAt
		s.LastSuccessAt = &t
	}
	if !m.lastFailureAt.IsZero() {
		t := m.lastFailureAt
		s.LastFailureAt = &t
	}
	if m.windowLen > 0 {
		var sum, min, max time.Duration
		for i := 0; i < m.windowLen; i++ {
			d := m.window[i]
			sum += d
			if i == 0 || d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		s.AvgResponseMs = float64(sum.Microseconds()) / float64(m.windowLen) / 1000
		s.MinResponseMs = float64(min.Microseconds()) / 1000
		s.MaxResponseMs = float64(max.Microseconds()) / 1000
	}
	return s
}
