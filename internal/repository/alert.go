package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// openAlertStatuses are the lifecycle states that still need attention.
func openAlertStatuses() []string {
	return []string{
		string(models.AlertStatusOpen),
		string(models.AlertStatusAcknowledged),
		string(models.AlertStatusInProgress),
	}
}

// AlertRepository adds triage queries over raised alerts.
type AlertRepository struct {
	*Repository[models.Alert, *models.Alert]
}

func NewAlertRepository(manager *database.Manager) *AlertRepository {
	r := &AlertRepository{Repository: NewRepository[models.Alert](manager)}
	r.RegisterRelation("device", func(ctx context.Context, s database.Session, a *models.Alert) error {
		if a.DeviceID == nil {
			return nil
		}
		device, err := fetchByID[models.Device](ctx, s, *a.DeviceID)
		if err != nil {
			return err
		}
		a.Device = device
		return nil
	})
	return r
}

// ListBySeverity pages alerts of one severity, newest occurrence first.
func (r *AlertRepository) ListBySeverity(ctx context.Context, severity models.Severity, skip, limit int) ([]*models.Alert, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"severity": string(severity)},
		OrderBy: "last_occurred_at desc",
	})
}

// ListByStatus pages alerts in one lifecycle state.
func (r *AlertRepository) ListByStatus(ctx context.Context, status models.AlertStatus, skip, limit int) ([]*models.Alert, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"status": string(status)},
		OrderBy: "last_occurred_at desc",
	})
}

// ListOpen pages alerts still needing attention: open, acknowledged, or in
// progress.
func (r *AlertRepository) ListOpen(ctx context.Context, skip, limit int) ([]*models.Alert, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"status": openAlertStatuses()},
		OrderBy: "last_occurred_at desc",
	})
}

// ListCritical pages unresolved critical alerts.
func (r *AlertRepository) ListCritical(ctx context.Context, skip, limit int) ([]*models.Alert, error) {
	return r.List(ctx, ListOptions{
		Skip:  skip,
		Limit: limit,
		Filters: Filters{
			"severity": string(models.SeverityCritical),
			"status":   openAlertStatuses(),
		},
		OrderBy: "last_occurred_at desc",
	})
}

// ListByDevice pages alerts raised against one device.
func (r *AlertRepository) ListByDevice(ctx context.Context, deviceID string, skip, limit int) ([]*models.Alert, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"device_id": deviceID},
		OrderBy: "last_occurred_at desc",
	})
}

// ListRecent returns alerts that occurred within the last N hours.
func (r *AlertRepository) ListRecent(ctx context.Context, hours int, skip, limit int) ([]*models.Alert, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"last_occurred_at": map[string]any{"gte": cutoff}},
		OrderBy: "last_occurred_at desc",
	})
}

// RecordOccurrence folds a recurrence into an existing alert instead of
// inserting a duplicate row: the occurrence count increments and the last
// occurrence timestamp moves forward. Reports whether the alert exists.
func (r *AlertRepository) RecordOccurrence(ctx context.Context, id string, occurredAt time.Time) (bool, error) {
	s, err := r.session(ctx)
	if err != nil {
		return false, r.wrap("update", err)
	}
	now := time.Now().UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	query := fmt.Sprintf(
		"UPDATE %s SET occurrence_count = occurrence_count + 1, last_occurred_at = ?, updated_at = ? WHERE id = ? AND is_deleted = ?",
		r.stmts.table)
	res, err := s.ExecContext(ctx, s.Rebind(query), occurredAt.UTC(), now, id, false)
	if err != nil {
		return false, r.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.wrap("update", err)
	}
	return n > 0, nil
}

// Acknowledge moves an alert to acknowledged under the given principal.
// Returns the updated alert, nil when missing.
func (r *AlertRepository) Acknowledge(ctx context.Context, id, userID string) (*models.Alert, error) {
	now := time.Now().UTC()
	return r.Update(ctx, id, map[string]any{
		"status":          models.AlertStatusAcknowledged,
		"acknowledged_by": &userID,
		"acknowledged_at": &now,
	})
}

// Resolve closes out an alert with its outcome. Returns the updated alert,
// nil when missing.
func (r *AlertRepository) Resolve(ctx context.Context, id, userID, notes, action string) (*models.Alert, error) {
	now := time.Now().UTC()
	return r.Update(ctx, id, map[string]any{
		"status":            models.AlertStatusResolved,
		"resolved_by":       &userID,
		"resolved_at":       &now,
		"resolution_notes":  notes,
		"resolution_action": action,
	})
}

// AlertStatistics summarizes the alert backlog.
type AlertStatistics struct {
	Total       int64            `json:"total"`
	Open        int64            `json:"open"`
	BySeverity  map[string]int64 `json:"bySeverity"`
	ByStatus    map[string]int64 `json:"byStatus"`
	Last24Hours int64            `json:"last24Hours"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Statistics aggregates alert counts by severity and status plus the
// last-24-hours volume.
func (r *AlertRepository) Statistics(ctx context.Context) (*AlertStatistics, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	stats := &AlertStatistics{
		BySeverity:  make(map[string]int64),
		ByStatus:    make(map[string]int64),
		GeneratedAt: time.Now().UTC(),
	}
	byStatus, err := groupCount(ctx, s, r.stmts.table, "status")
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	for status, n := range byStatus {
		stats.ByStatus[status] = n
		stats.Total += n
	}
	for _, status := range openAlertStatuses() {
		stats.Open += stats.ByStatus[status]
	}
	if stats.BySeverity, err = groupCount(ctx, s, r.stmts.table, "severity"); err != nil {
		return nil, r.wrap("statistics", err)
	}

	dayAgo := stats.GeneratedAt.Add(-24 * time.Hour)
	recentQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE last_occurred_at >= ? AND is_deleted = ?", r.stmts.table)
	if err := s.GetContext(ctx, &stats.Last24Hours, s.Rebind(recentQuery), dayAgo, false); err != nil {
		return nil, r.wrap("statistics", err)
	}
	return stats, nil
}
