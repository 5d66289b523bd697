package repository

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/models"
)

func auditEntry(action models.AuditAction, resourceType, resourceID string, ok bool, at time.Time) *models.AuditLog {
	return &models.AuditLog{
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Success:       ok,
		OccurredAt:    at,
		RetentionDays: 365,
	}
}

func TestAuditListFamilies(t *testing.T) {
	manager := newTestManager(t)
	audit := NewAuditLogRepository(manager)
	ctx := context.Background()

	// Entries attributed to an account need the account row in place.
	operator := &models.User{
		Model:    models.Model{ID: "usr-audit"},
		Username: "ops",
		Email:    "ops@edgefleet.example",
		Role:     models.RoleAdmin,
		Status:   models.UserStatusActive,
	}
	if err := NewRepository[models.User](manager).Create(ctx, operator); err != nil {
		t.Fatalf("seed operator: %v", err)
	}

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	attributed := auditEntry(models.ActionUpdate, "device", "dev-1", true, base.Add(time.Minute))
	attributed.UserID = &operator.ID
	entries := []*models.AuditLog{
		auditEntry(models.ActionLogin, "session", "", true, base),
		attributed,
		auditEntry(models.ActionUpdate, "device", "dev-1", true, base.Add(2*time.Minute)),
		auditEntry(models.ActionUpdate, "device", "dev-2", true, base.Add(3*time.Minute)),
		auditEntry(models.ActionDelete, "group", "grp-1", true, base.Add(4*time.Minute)),
	}
	for i, e := range entries {
		if err := audit.Create(ctx, e); err != nil {
			t.Fatalf("create entry %d: %v", i, err)
		}
	}

	updates, err := audit.ListByAction(ctx, models.ActionUpdate, 0, 10)
	if err != nil {
		t.Fatalf("list by action: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("updates = %d", len(updates))
	}
	// Newest first.
	if !updates[0].OccurredAt.After(updates[2].OccurredAt) {
		t.Fatalf("order: %v before %v", updates[0].OccurredAt, updates[2].OccurredAt)
	}

	mine, err := audit.ListByUser(ctx, operator.ID, 0, 10)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(mine) != 1 || mine[0].ResourceID != "dev-1" {
		t.Fatalf("attributed = %+v", mine)
	}

	dev1, err := audit.ListByResource(ctx, "device", "dev-1", nil, nil, 0, 10)
	if err != nil {
		t.Fatalf("list by resource: %v", err)
	}
	if len(dev1) != 2 {
		t.Fatalf("dev-1 entries = %d", len(dev1))
	}

	since := base.Add(90 * time.Second)
	recent, err := audit.ListByResource(ctx, "device", "", &since, nil, 0, 10)
	if err != nil {
		t.Fatalf("windowed list: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent device entries = %d", len(recent))
	}

	page, err := audit.ListByResource(ctx, "device", "", nil, nil, 1, 1)
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 1 || !page[0].OccurredAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("page = %+v", page)
	}
}

func TestListFailedAndSecurityEvents(t *testing.T) {
	audit := NewAuditLogRepository(newTestManager(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	goodLogin := auditEntry(models.ActionLogin, "session", "", true, base)
	badLogin := auditEntry(models.ActionLogin, "session", "", false, base.Add(time.Minute))
	badUpdate := auditEntry(models.ActionUpdate, "device", "dev-1", false, base.Add(2*time.Minute))
	plainUpdate := auditEntry(models.ActionUpdate, "device", "dev-1", true, base.Add(3*time.Minute))
	for _, e := range []*models.AuditLog{goodLogin, badLogin, badUpdate, plainUpdate} {
		if err := audit.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	failed, err := audit.ListFailed(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %d", len(failed))
	}

	// Logins regardless of outcome, plus any failure.
	security, err := audit.ListSecurityEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list security events: %v", err)
	}
	if len(security) != 3 {
		t.Fatalf("security events = %d", len(security))
	}
	for _, e := range security {
		if e.ID == plainUpdate.ID {
			t.Fatalf("routine update classified as security event")
		}
	}
}

func TestAuditStatistics(t *testing.T) {
	audit := NewAuditLogRepository(newTestManager(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seed := []*models.AuditLog{
		auditEntry(models.ActionLogin, "session", "", true, base),
		auditEntry(models.ActionUpdate, "device", "dev-1", true, base.Add(time.Minute)),
		auditEntry(models.ActionUpdate, "device", "dev-2", true, base.Add(2*time.Minute)),
		auditEntry(models.ActionDelete, "group", "grp-1", false, base.Add(3*time.Minute)),
	}
	for _, e := range seed {
		if err := audit.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats, err := audit.Statistics(ctx, nil, nil)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 3 || stats.Failed != 1 {
		t.Fatalf("outcome split = %d/%d/%d", stats.Total, stats.Succeeded, stats.Failed)
	}
	if math.Abs(stats.SuccessRate-0.75) > 1e-9 || math.Abs(stats.FailureRate-0.25) > 1e-9 {
		t.Fatalf("rates = %f/%f", stats.SuccessRate, stats.FailureRate)
	}
	if stats.ByAction["update"] != 2 || stats.ByAction["login"] != 1 || stats.ByAction["delete"] != 1 {
		t.Fatalf("by action = %v", stats.ByAction)
	}
	if stats.ByResource["device"] != 2 || stats.ByResource["session"] != 1 || stats.ByResource["group"] != 1 {
		t.Fatalf("by resource = %v", stats.ByResource)
	}

	since := base.Add(90 * time.Second)
	bounded, err := audit.Statistics(ctx, &since, nil)
	if err != nil {
		t.Fatalf("bounded statistics: %v", err)
	}
	if bounded.Total != 2 || bounded.Failed != 1 {
		t.Fatalf("bounded = %d/%d", bounded.Total, bounded.Failed)
	}
}

func TestAuditCleanupHonorsPerRowRetention(t *testing.T) {
	audit := NewAuditLogRepository(newTestManager(t))
	ctx := context.Background()
	now := time.Now().UTC()

	expired := auditEntry(models.ActionUpdate, "device", "dev-1", true, now.AddDate(0, 0, -100))
	expired.RetentionDays = 30
	longLived := auditEntry(models.ActionUpdate, "device", "dev-2", true, now.AddDate(0, 0, -100))
	longLived.RetentionDays = 365
	recent := auditEntry(models.ActionUpdate, "device", "dev-3", true, now.AddDate(0, 0, -10))
	recent.RetentionDays = 1
	for _, e := range []*models.AuditLog{expired, longLived, recent} {
		if err := audit.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// The sweep horizon and the per-row retention must both have lapsed.
	n, err := audit.Cleanup(ctx, 60)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d", n)
	}
	if got, _ := audit.Get(ctx, expired.ID, true); got != nil {
		t.Fatalf("expired entry survived")
	}
	if got, _ := audit.Get(ctx, longLived.ID, true); got == nil {
		t.Fatalf("long-lived entry removed before its retention lapsed")
	}
	if got, _ := audit.Get(ctx, recent.ID, true); got == nil {
		t.Fatalf("entry inside the sweep horizon removed")
	}

	if _, err := audit.Cleanup(ctx, 0); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("zero horizon: %v", err)
	}
}
