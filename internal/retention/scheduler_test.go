package retention

import (
	"context"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/config"
)

func TestSweepRunsDuePoliciesOnly(t *testing.T) {
	repo := newAuditStore(t)
	engine := newArchiveEngine(t, nil)
	if err := engine.RegisterPolicy(Policy{
		Name:             "scheduled",
		DataTypes:        []string{"audit_logs"},
		Type:             TypeImmediate,
		ScheduleEnabled:  true,
		ScheduleInterval: time.Hour,
	}); err != nil {
		t.Fatalf("register scheduled: %v", err)
	}
	if err := engine.RegisterPolicy(Policy{
		Name:      "manual",
		DataTypes: []string{"audit_logs"},
		Type:      TypeImmediate,
	}); err != nil {
		t.Fatalf("register manual: %v", err)
	}
	engine.RegisterSource(NewAuditLogSource(repo))
	seedAuditRows(t, repo, 6, 6*time.Hour)

	sched := NewScheduler(engine, config.RetentionConfig{SweepIntervalHours: 1})
	results := sched.Sweep(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 sweep, got %d: %v", len(results), results)
	}
	if results[0].Policy != "scheduled" || results[0].Status != StatusCompleted {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if results[0].Deleted != 6 {
		t.Fatalf("deleted %d rows, want 6", results[0].Deleted)
	}

	// Within the hour the pair is not due again.
	if again := sched.Sweep(context.Background()); len(again) != 0 {
		t.Fatalf("cadence ignored, got %v", again)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	repo := newAuditStore(t)
	engine := newArchiveEngine(t, nil)
	if err := engine.RegisterPolicy(Policy{
		Name:            "wide",
		DataTypes:       []string{"audit_logs", "ghost_rows"},
		Type:            TypeImmediate,
		ScheduleEnabled: true,
	}); err != nil {
		t.Fatalf("register policy: %v", err)
	}
	engine.RegisterSource(NewAuditLogSource(repo))
	seedAuditRows(t, repo, 3, 3*time.Hour)

	sched := NewScheduler(engine, config.RetentionConfig{SweepIntervalHours: 1})
	results := sched.Sweep(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(results), results)
	}
	byType := make(map[string]Result, len(results))
	for _, r := range results {
		byType[r.DataType] = r
	}
	if byType["ghost_rows"].Status != StatusFailed {
		t.Fatalf("ghost_rows sweep = %+v", byType["ghost_rows"])
	}
	if got := byType["audit_logs"]; got.Status != StatusCompleted || got.Deleted != 3 {
		t.Fatalf("audit_logs sweep = %+v", got)
	}
}

func TestSchedulerStartRunsFirstPassBeforeStop(t *testing.T) {
	repo := newAuditStore(t)
	engine := newArchiveEngine(t, nil)
	if err := engine.RegisterPolicy(Policy{
		Name:            "drain",
		DataTypes:       []string{"audit_logs"},
		Type:            TypeImmediate,
		ScheduleEnabled: true,
	}); err != nil {
		t.Fatalf("register policy: %v", err)
	}
	engine.RegisterSource(NewAuditLogSource(repo))
	seedAuditRows(t, repo, 4, 4*time.Hour)

	sched := NewScheduler(engine, config.RetentionConfig{SweepIntervalHours: 1})
	sched.Start(context.Background())
	sched.Stop()

	n, err := repo.Count(context.Background(), true, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("first pass left %d rows", n)
	}
}

func TestNewSchedulerDefaultsInterval(t *testing.T) {
	engine := newArchiveEngine(t, nil)
	sched := NewScheduler(engine, config.RetentionConfig{})
	if sched.interval != time.Hour {
		t.Fatalf("default interval = %s", sched.interval)
	}
}
