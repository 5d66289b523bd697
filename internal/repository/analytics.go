package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// AnalyticsRepository adds reporting queries over precomputed aggregates.
type AnalyticsRepository struct {
	*Repository[models.Analytics, *models.Analytics]
}

func NewAnalyticsRepository(manager *database.Manager) *AnalyticsRepository {
	return &AnalyticsRepository{Repository: NewRepository[models.Analytics](manager)}
}

// AnalyticsWindow bounds a metric query. Zero fields are ignored.
type AnalyticsWindow struct {
	Since *time.Time
	Until *time.Time
	Scope string
	Skip  int
	Limit int
}

// ListByMetric pages rows for one metric name, newest period first.
func (r *AnalyticsRepository) ListByMetric(ctx context.Context, name string, w AnalyticsWindow) ([]*models.Analytics, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	clauses := []string{"metric_name = ?", "is_deleted = ?"}
	args := []any{name, false}
	if w.Since != nil {
		clauses = append(clauses, "period_start >= ?")
		args = append(args, w.Since.UTC())
	}
	if w.Until != nil {
		clauses = append(clauses, "period_end <= ?")
		args = append(args, w.Until.UTC())
	}
	if w.Scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, w.Scope)
	}
	limit := w.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	skip := w.Skip
	if skip < 0 {
		skip = 0
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY period_start DESC LIMIT ? OFFSET ?",
		r.stmts.selectList, r.stmts.table, strings.Join(clauses, " AND "))
	args = append(args, limit, skip)

	var list []*models.Analytics
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// LatestMetrics returns the newest row per metric name within one analytics
// type, optionally narrowed to a scope.
func (r *AnalyticsRepository) LatestMetrics(ctx context.Context, analyticsType, scope string) ([]*models.Analytics, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	clauses := []string{"analytics_type = ?", "is_deleted = ?"}
	args := []any{analyticsType, false}
	if scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, scope)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY period_end DESC, created_at DESC",
		r.stmts.selectList, r.stmts.table, strings.Join(clauses, " AND "))
	var rows []*models.Analytics
	if err := s.SelectContext(ctx, &rows, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}

	// Rows arrive newest first, so the first row seen per name wins.
	seen := make(map[string]bool, len(rows))
	latest := make([]*models.Analytics, 0, len(rows))
	for _, row := range rows {
		if seen[row.MetricName] {
			continue
		}
		seen[row.MetricName] = true
		latest = append(latest, row)
	}
	return latest, nil
}

// Trend returns one metric's rows over the last N days, oldest first, ready
// for charting.
func (r *AnalyticsRepository) Trend(ctx context.Context, name string, days int, scope string) ([]*models.Analytics, error) {
	if days <= 0 {
		days = 7
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	clauses := []string{"metric_name = ?", "period_start >= ?", "is_deleted = ?"}
	args := []any{name, cutoff, false}
	if scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, scope)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY period_start ASC",
		r.stmts.selectList, r.stmts.table, strings.Join(clauses, " AND "))
	var list []*models.Analytics
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// AnalyticsSummary describes how stored aggregates distribute across types
// and scopes.
type AnalyticsSummary struct {
	Total       int64            `json:"total"`
	ByType      map[string]int64 `json:"byType"`
	ByScope     map[string]int64 `json:"byScope"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Summary reports the distribution of rows over analytics type and scope,
// optionally limited to one type and a period window.
func (r *AnalyticsRepository) Summary(ctx context.Context, analyticsType string, since, until *time.Time) (*AnalyticsSummary, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	clauses := []string{"is_deleted = ?"}
	args := []any{false}
	if analyticsType != "" {
		clauses = append(clauses, "analytics_type = ?")
		args = append(args, analyticsType)
	}
	if since != nil {
		clauses = append(clauses, "period_start >= ?")
		args = append(args, since.UTC())
	}
	if until != nil {
		clauses = append(clauses, "period_end <= ?")
		args = append(args, until.UTC())
	}
	where := strings.Join(clauses, " AND ")

	summary := &AnalyticsSummary{GeneratedAt: time.Now().UTC()}
	if summary.ByType, err = r.distribute(ctx, s, "analytics_type", where, args); err != nil {
		return nil, err
	}
	for _, n := range summary.ByType {
		summary.Total += n
	}
	if summary.ByScope, err = r.distribute(ctx, s, "scope", where, args); err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *AnalyticsRepository) distribute(ctx context.Context, s database.Session, col, where string, args []any) (map[string]int64, error) {
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

// Cleanup hard-deletes aggregates whose period ended before the retention
// horizon. Returns the number of rows removed.
func (r *AnalyticsRepository) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, r.wrap("cleanup", fmt.Errorf("%w: retention days must be positive", ErrInvalidFilter))
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("cleanup", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	query := fmt.Sprintf("DELETE FROM %s WHERE period_end < ?", r.stmts.table)
	res, err := s.ExecContext(ctx, s.Rebind(query), cutoff)
	if err != nil {
		return 0, r.wrap("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrap("cleanup", err)
	}
	if n > 0 {
		log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("Analytics cleanup removed expired aggregates")
	}
	return n, nil
}
