package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// TelemetryRepository adds ingest and analysis queries over the event
// stream. The write paths favor batch statements; telemetry volume dwarfs
// every other table.
type TelemetryRepository struct {
	*Repository[models.TelemetryEvent, *models.TelemetryEvent]
}

func NewTelemetryRepository(manager *database.Manager) *TelemetryRepository {
	r := &TelemetryRepository{Repository: NewRepository[models.TelemetryEvent](manager)}
	r.RegisterRelation("device", func(ctx context.Context, s database.Session, e *models.TelemetryEvent) error {
		device, err := fetchByID[models.Device](ctx, s, e.DeviceID)
		if err != nil {
			return err
		}
		e.Device = device
		return nil
	})
	return r
}

// IngestBatch stamps arrival metadata onto the events and inserts them as
// one batch: a shared batch id, per-event sequence numbers, and a common
// received_at. Returns the batch id.
func (r *TelemetryRepository) IngestBatch(ctx context.Context, events []*models.TelemetryEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	batchID := uuid.NewString()
	now := time.Now().UTC()
	for i, e := range events {
		e.BatchID = batchID
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = now
		}
		if e.SequenceNumber == nil {
			seq := int64(i)
			e.SequenceNumber = &seq
		}
	}
	if err := r.BulkCreate(ctx, events); err != nil {
		return "", err
	}
	log.Debug().Str("batch_id", batchID).Int("events", len(events)).Msg("Telemetry batch ingested")
	return batchID, nil
}

// TelemetryWindow bounds a device event query.
type TelemetryWindow struct {
	Since      *time.Time
	Until      *time.Time
	EventTypes []models.EventType
	EventName  string
	Skip       int
	Limit      int
}

// ListByDevice pages a device's events, newest first.
func (r *TelemetryRepository) ListByDevice(ctx context.Context, deviceID string, w TelemetryWindow) ([]*models.TelemetryEvent, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	clauses := []string{"device_id = ?", "is_deleted = ?"}
	args := []any{deviceID, false}
	if w.Since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, w.Since.UTC())
	}
	if w.Until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, w.Until.UTC())
	}
	if w.EventName != "" {
		clauses = append(clauses, "event_name = ?")
		args = append(args, w.EventName)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", r.stmts.selectList, r.stmts.table, strings.Join(clauses, " AND "))
	if len(w.EventTypes) > 0 {
		query += " AND event_type IN (?)"
		args = append(args, w.EventTypes)
		if query, args, err = sqlx.In(query, args...); err != nil {
			return nil, r.wrap("list", err)
		}
	}
	limit := w.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	skip := w.Skip
	if skip < 0 {
		skip = 0
	}
	query += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	var list []*models.TelemetryEvent
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// LatestByDevice returns the most recent event for a device, optionally
// narrowed to one event name. Missing rows return (nil, nil).
func (r *TelemetryRepository) LatestByDevice(ctx context.Context, deviceID, eventName string) (*models.TelemetryEvent, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE device_id = ? AND is_deleted = ?", r.stmts.selectList, r.stmts.table)
	args := []any{deviceID, false}
	if eventName != "" {
		query += " AND event_name = ?"
		args = append(args, eventName)
	}
	query += " ORDER BY occurred_at DESC LIMIT 1"
	var e models.TelemetryEvent
	err = s.GetContext(ctx, &e, s.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &e, nil
}

// AggregateResult is the outcome of a numeric aggregation. Value is nil when
// no samples matched.
type AggregateResult struct {
	Value       *float64 `json:"value,omitempty"`
	SampleCount int64    `json:"sampleCount"`
}

var aggregateExprs = map[models.AggregationKind]string{
	models.AggregationCount: "COUNT(numeric_value)",
	models.AggregationSum:   "SUM(numeric_value)",
	models.AggregationAvg:   "AVG(numeric_value)",
	models.AggregationMin:   "MIN(numeric_value)",
	models.AggregationMax:   "MAX(numeric_value)",
}

// Aggregate computes one statistic over a device's numeric readings for an
// event name. Rows without a numeric value are excluded.
func (r *TelemetryRepository) Aggregate(ctx context.Context, deviceID, eventName string, kind models.AggregationKind, since, until *time.Time) (*AggregateResult, error) {
	expr, ok := aggregateExprs[kind]
	if !ok {
		return nil, r.wrap("aggregate", fmt.Errorf("%w: unsupported aggregation %q", ErrInvalidFilter, kind))
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("aggregate", err)
	}
	clauses := []string{"device_id = ?", "event_name = ?", "numeric_value IS NOT NULL", "is_deleted = ?"}
	args := []any{deviceID, eventName, false}
	if since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, since.UTC())
	}
	if until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, until.UTC())
	}
	query := fmt.Sprintf("SELECT %s AS value, COUNT(numeric_value) AS samples FROM %s WHERE %s",
		expr, r.stmts.table, strings.Join(clauses, " AND "))
	var row struct {
		Value   sql.NullFloat64 `db:"value"`
		Samples int64           `db:"samples"`
	}
	if err := s.GetContext(ctx, &row, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("aggregate", err)
	}
	out := &AggregateResult{SampleCount: row.Samples}
	if row.Value.Valid {
		out.Value = &row.Value.Float64
	}
	return out, nil
}

// TimeBucket is one interval of a bucketed series.
type TimeBucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Sum   float64   `json:"sum"`
}

// TimeSeries buckets a device's numeric readings into fixed intervals;
// bucket starts are floored to the interval. Empty intervals are omitted.
func (r *TelemetryRepository) TimeSeries(ctx context.Context, deviceID, eventName string, since, until time.Time, bucket time.Duration) ([]TimeBucket, error) {
	if bucket <= 0 {
		return nil, r.wrap("aggregate", fmt.Errorf("%w: bucket must be positive", ErrInvalidFilter))
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("aggregate", err)
	}
	query := fmt.Sprintf(
		"SELECT occurred_at, numeric_value FROM %s WHERE device_id = ? AND event_name = ? AND numeric_value IS NOT NULL AND is_deleted = ? AND occurred_at >= ? AND occurred_at <= ? ORDER BY occurred_at ASC",
		r.stmts.table)
	var rows []struct {
		OccurredAt   time.Time `db:"occurred_at"`
		NumericValue float64   `db:"numeric_value"`
	}
	if err := s.SelectContext(ctx, &rows, s.Rebind(query), deviceID, eventName, false, since.UTC(), until.UTC()); err != nil {
		return nil, r.wrap("aggregate", err)
	}

	var series []TimeBucket
	for _, row := range rows {
		start := row.OccurredAt.UTC().Truncate(bucket)
		if len(series) == 0 || !series[len(series)-1].Start.Equal(start) {
			series = append(series, TimeBucket{Start: start, Min: row.NumericValue, Max: row.NumericValue})
		}
		b := &series[len(series)-1]
		b.Count++
		b.Sum += row.NumericValue
		if row.NumericValue < b.Min {
			b.Min = row.NumericValue
		}
		if row.NumericValue > b.Max {
			b.Max = row.NumericValue
		}
	}
	for i := range series {
		series[i].Avg = series[i].Sum / float64(series[i].Count)
	}
	return series, nil
}

// MarkProcessed flags events as handled by the processing pipeline.
func (r *TelemetryRepository) MarkProcessed(ctx context.Context, ids []string, durationMs float64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	now := time.Now().UTC()
	query, args, err := sqlx.In(
		fmt.Sprintf("UPDATE %s SET processed = ?, processed_at = ?, processing_duration_ms = ?, updated_at = ? WHERE id IN (?)", r.stmts.table),
		true, now, durationMs, now, ids)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	res, err := s.ExecContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrap("update", err)
	}
	return n, nil
}

// ListUnprocessed returns the oldest events still awaiting processing.
func (r *TelemetryRepository) ListUnprocessed(ctx context.Context, limit int) ([]*models.TelemetryEvent, error) {
	return r.List(ctx, ListOptions{
		Filters: Filters{"processed": false},
		OrderBy: "occurred_at asc",
		Limit:   limit,
	})
}

// CleanupOlderThan hard-deletes events that occurred before the cutoff.
// Retention sweeps archive first; this is the unconditional variant.
func (r *TelemetryRepository) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE occurred_at < ?", r.stmts.table)
	res, err := s.ExecContext(ctx, s.Rebind(query), before.UTC())
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	return n, nil
}

// TelemetryStats summarizes an event window.
type TelemetryStats struct {
	Total       int64            `json:"total"`
	Processed   int64            `json:"processed"`
	ByEventType map[string]int64 `json:"byEventType"`
	FirstAt     *time.Time       `json:"firstAt,omitempty"`
	LastAt      *time.Time       `json:"lastAt,omitempty"`
}

// Statistics reports event volume for one device, or fleet-wide when
// deviceID is empty.
func (r *TelemetryRepository) Statistics(ctx context.Context, deviceID string, since, until *time.Time) (*TelemetryStats, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	clauses := []string{"is_deleted = ?"}
	args := []any{false}
	if deviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, deviceID)
	}
	if since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, since.UTC())
	}
	if until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, until.UTC())
	}
	where := strings.Join(clauses, " AND ")

	stats := &TelemetryStats{ByEventType: make(map[string]int64)}
	var totals struct {
		Total     int64 `db:"total"`
		Processed int64 `db:"processed"`
	}
	// SUM over a boolean needs a portable cast; CASE works on both engines.
	query := fmt.Sprintf(
		"SELECT COUNT(*) AS total, COALESCE(SUM(CASE WHEN processed THEN 1 ELSE 0 END), 0) AS processed FROM %s WHERE %s",
		r.stmts.table, where)
	if err := s.GetContext(ctx, &totals, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("statistics", err)
	}
	stats.Total = totals.Total
	stats.Processed = totals.Processed

	// MIN/MAX over a timestamp column drops the declared type on the
	// embedded engine, so the bounds come from ordered single-row reads.
	for _, bound := range []struct {
		dir  string
		dest **time.Time
	}{{"ASC", &stats.FirstAt}, {"DESC", &stats.LastAt}} {
		var at time.Time
		boundQuery := fmt.Sprintf("SELECT occurred_at FROM %s WHERE %s ORDER BY occurred_at %s LIMIT 1", r.stmts.table, where, bound.dir)
		err := s.GetContext(ctx, &at, s.Rebind(boundQuery), args...)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, r.wrap("statistics", err)
		}
		at = at.UTC()
		*bound.dest = &at
	}

	grouped := fmt.Sprintf("SELECT event_type AS grp, COUNT(*) AS n FROM %s WHERE %s GROUP BY event_type", r.stmts.table, where)
	var rows []struct {
		Grp string `db:"grp"`
		N   int64  `db:"n"`
	}
	if err := s.SelectContext(ctx, &rows, s.Rebind(grouped), args...); err != nil {
		return nil, r.wrap("statistics", err)
	}
	for _, row := range rows {
		stats.ByEventType[row.Grp] = row.N
	}
	return stats, nil
}
