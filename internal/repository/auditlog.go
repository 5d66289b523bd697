package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// auditCleanupChunk bounds how many expired rows one delete statement
// carries.
const auditCleanupChunk = 500

// AuditLogRepository adds review queries over the immutable action trail.
type AuditLogRepository struct {
	*Repository[models.AuditLog, *models.AuditLog]
}

func NewAuditLogRepository(manager *database.Manager) *AuditLogRepository {
	return &AuditLogRepository{Repository: NewRepository[models.AuditLog](manager)}
}

// ListByUser pages a principal's entries, newest first.
func (r *AuditLogRepository) ListByUser(ctx context.Context, userID string, skip, limit int) ([]*models.AuditLog, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"user_id": userID},
		OrderBy: "occurred_at desc",
	})
}

// ListByAction pages entries of one action kind, newest first.
func (r *AuditLogRepository) ListByAction(ctx context.Context, action models.AuditAction, skip, limit int) ([]*models.AuditLog, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"action": string(action)},
		OrderBy: "occurred_at desc",
	})
}

// ListByResource pages entries touching one resource type, optionally a
// single resource instance within a time window.
func (r *AuditLogRepository) ListByResource(ctx context.Context, resourceType, resourceID string, since, until *time.Time, skip, limit int) ([]*models.AuditLog, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	clauses := []string{"resource_type = ?", "is_deleted = ?"}
	args := []any{resourceType, false}
	if resourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, resourceID)
	}
	if since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, since.UTC())
	}
	if until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, until.UTC())
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if skip < 0 {
		skip = 0
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY occurred_at DESC LIMIT ? OFFSET ?",
		r.stmts.selectList, r.stmts.table, strings.Join(clauses, " AND "))
	args = append(args, limit, skip)

	var list []*models.AuditLog
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// ListFailed pages entries recording a failed action.
func (r *AuditLogRepository) ListFailed(ctx context.Context, skip, limit int) ([]*models.AuditLog, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"success": false},
		OrderBy: "occurred_at desc",
	})
}

// ListSecurityEvents pages the authentication/authorization family plus any
// failed action, newest first.
func (r *AuditLogRepository) ListSecurityEvents(ctx context.Context, skip, limit int) ([]*models.AuditLog, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if skip < 0 {
		skip = 0
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE (action IN (?) OR success = ?) AND is_deleted = ? ORDER BY occurred_at DESC LIMIT ? OFFSET ?",
		r.stmts.selectList, r.stmts.table)
	query, args, err := sqlx.In(query, models.SecurityActions(), false, false, limit, skip)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	var list []*models.AuditLog
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// AuditStatistics summarizes activity over a window.
type AuditStatistics struct {
	Total       int64            `json:"total"`
	Succeeded   int64            `json:"succeeded"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"successRate"`
	FailureRate float64          `json:"failureRate"`
	ByAction    map[string]int64 `json:"byAction"`
	ByResource  map[string]int64 `json:"byResource"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Statistics computes success/failure rates and per-action / per-resource
// distributions, optionally bounded to a window.
func (r *AuditLogRepository) Statistics(ctx context.Context, since, until *time.Time) (*AuditStatistics, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	clauses := []string{"is_deleted = ?"}
	args := []any{false}
	if since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, since.UTC())
	}
	if until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, until.UTC())
	}
	where := strings.Join(clauses, " AND ")

	stats := &AuditStatistics{GeneratedAt: time.Now().UTC()}

	// CASE WHEN keeps the outcome split portable across sqlite and postgres
	// boolean storage.
	var outcome struct {
		Total     int64 `db:"total"`
		Succeeded int64 `db:"succeeded"`
	}
	outcomeQuery := fmt.Sprintf(
		"SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN success = ? THEN 1 ELSE 0 END), 0) AS succeeded FROM %s WHERE %s",
		r.stmts.table, where)
	outcomeArgs := append([]any{true}, args...)
	if err := s.GetContext(ctx, &outcome, s.Rebind(outcomeQuery), outcomeArgs...); err != nil {
		return nil, r.wrap("statistics", err)
	}
	stats.Total = outcome.Total
	stats.Succeeded = outcome.Succeeded
	stats.Failed = outcome.Total - outcome.Succeeded
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}

	if stats.ByAction, err = r.distribute(ctx, s, "action", where, args); err != nil {
		return nil, err
	}
	if stats.ByResource, err = r.distribute(ctx, s, "resource_type", where, args); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *AuditLogRepository) distribute(ctx context.Context, s database.Session, col, where string, args []any) (map[string]int64, error) {
	query := fmt.Sprintf("SELECT %s AS grp, COUNT(*) AS n FROM %s WHERE %s GROUP BY %s", col, r.stmts.table, where, col)
	var rows []struct {
		Grp string `db:"grp"`
		N   int64  `db:"n"`
	}
	if err := s.SelectContext(ctx, &rows, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("statistics", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Grp] = row.N
	}
	return out, nil
}

// Cleanup hard-deletes entries older than the given horizon whose own
// retention period has also lapsed: a row marked for longer retention
// survives a shorter sweep. Returns the number of rows removed.
func (r *AuditLogRepository) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, r.wrap("cleanup", fmt.Errorf("%w: cleanup days must be positive", ErrInvalidFilter))
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("cleanup", err)
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -days)

	// Per-row retention arithmetic is not portable SQL, so candidates load
	// first and the final check runs here.
	query := fmt.Sprintf(
		"SELECT id, occurred_at, retention_days FROM %s WHERE occurred_at < ?", r.stmts.table)
	var candidates []struct {
		ID            string    `db:"id"`
		OccurredAt    time.Time `db:"occurred_at"`
		RetentionDays int       `db:"retention_days"`
	}
	if err := s.SelectContext(ctx, &candidates, s.Rebind(query), cutoff); err != nil {
		return 0, r.wrap("cleanup", err)
	}

	var expired []string
	for _, c := range candidates {
		retention := c.RetentionDays
		if retention <= 0 {
			retention = models.DefaultAuditRetentionDays
		}
		if c.OccurredAt.Before(now.AddDate(0, 0, -retention)) {
			expired = append(expired, c.ID)
		}
	}

	var total int64
	for start := 0; start < len(expired); start += auditCleanupChunk {
		end := start + auditCleanupChunk
		if end > len(expired) {
			end = len(expired)
		}
		n, err := r.HardDeleteByIDs(ctx, expired[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		log.Info().Int64("rows", total).Int("days", days).Msg("Audit cleanup removed expired entries")
	}
	return total, nil
}
