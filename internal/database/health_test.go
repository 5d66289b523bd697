package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProbe fails while failing is true.
type scriptedProbe struct {
	mu      sync.Mutex
	failing bool
}

func (p *scriptedProbe) set(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

func (p *scriptedProbe) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("probe failed")
	}
	return nil
}

func TestMonitorFlipsAfterThreshold(t *testing.T) {
	probe := &scriptedProbe{failing: true}
	m := NewHealthMonitor(probe.probe, time.Hour, time.Second, 3)

	var transitions []bool
	m.OnStatusChange(func(healthy bool, _ HealthSnapshot) {
		transitions = append(transitions, healthy)
	})

	ctx := context.Background()
	if !m.IsHealthy() {
		t.Fatal("monitor should start healthy")
	}

	m.ForceCheck(ctx)
	m.ForceCheck(ctx)
	if !m.IsHealthy() {
		t.Fatal("two failures must not trip a threshold of three")
	}
	m.ForceCheck(ctx)
	if m.IsHealthy() {
		t.Fatal("third consecutive failure should flip to unhealthy")
	}

	probe.set(false)
	m.ForceCheck(ctx)
	if !m.IsHealthy() {
		t.Fatal("first success while unhealthy should flip back")
	}

	if len(transitions) != 2 || transitions[0] != false || transitions[1] != true {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}

func TestMonitorCallbackPanicIsolated(t *testing.T) {
	probe := &scriptedProbe{failing: true}
	m := NewHealthMonitor(probe.probe, time.Hour, time.Second, 1)

	secondRan := false
	m.OnStatusChange(func(bool, HealthSnapshot) { panic("bad callback") })
	m.OnStatusChange(func(bool, HealthSnapshot) { secondRan = true })

	m.ForceCheck(context.Background())
	if !secondRan {
		t.Error("panic in the first callback stopped the second")
	}
}

func TestMonitorSnapshotMetrics(t *testing.T) {
	probe := &scriptedProbe{}
	m := NewHealthMonitor(probe.probe, time.Hour, time.Second, 3)
	ctx := context.Background()

	m.ForceCheck(ctx)
	m.ForceCheck(ctx)
	probe.set(true)
	m.ForceCheck(ctx)

	s := m.Snapshot()
	if s.TotalChecks != 3 || s.Successful != 2 || s.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", s.TotalChecks, s.Successful, s.Failed)
	}
	wantUptime := float64(2) / 3 * 100
	if s.UptimePercentage < wantUptime-0.01 || s.UptimePercentage > wantUptime+0.01 {
		t.Errorf("uptime = %.2f, want %.2f", s.UptimePercentage, wantUptime)
	}
	if s.ConsecutiveFailures != 1 || s.ConsecutiveSuccesses != 0 {
		t.Errorf("runs = %d/%d, want 1/0", s.ConsecutiveFailures, s.ConsecutiveSuccesses)
	}
	if s.LastCheckAt == nil || s.LastSuccessAt == nil || s.LastFailureAt == nil {
		t.Error("snapshot missing timestamps")
	}
	if s.MaxResponseMs < s.MinResponseMs {
		t.Errorf("response window inconsistent: min %.3f > max %.3f", s.MinResponseMs, s.MaxResponseMs)
	}
}

func TestMonitorResetMetricsKeepsHealthyFlag(t *testing.T) {
	probe := &scriptedProbe{failing: true}
	m := NewHealthMonitor(probe.probe, time.Hour, time.Second, 1)
	m.ForceCheck(context.Background())
	if m.IsHealthy() {
		t.Fatal("expected unhealthy before reset")
	}

	m.ResetMetrics()
	s := m.Snapshot()
	if s.TotalChecks != 0 || s.Failed != 0 {
		t.Errorf("counters not reset: %+v", s)
	}
	if s.Healthy {
		t.Error("ResetMetrics must not change the healthy flag")
	}
}

func TestWaitForHealthy(t *testing.T) {
	probe := &scriptedProbe{failing: true}
	m := NewHealthMonitor(probe.probe, 20*time.Millisecond, time.Second, 1)
	ctx := context.Background()

	m.ForceCheck(ctx)
	if m.WaitForHealthy(ctx, 80*time.Millisecond) {
		t.Error("WaitForHealthy should time out while the probe keeps failing")
	}

	m.Start(ctx)
	defer m.Stop()
	probe.set(false)
	if !m.WaitForHealthy(ctx, 2*time.Second) {
		t.Error("WaitForHealthy should observe recovery via the probe loop")
	}
}

func TestRollingWindowCapped(t *testing.T) {
	probe := &scriptedProbe{}
	m := NewHealthMonitor(probe.probe, time.Hour, time.Second, 3)
	for i := 0; i < responseWindowSize+20; i++ {
		m.ForceCheck(context.Background())
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.windowLen != responseWindowSize {
		t.Errorf("window length = %d, want %d", m.windowLen, responseWindowSize)
	}
}
