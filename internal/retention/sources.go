package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgefleet/edgefleet/internal/models"
	"github.com/edgefleet/edgefleet/internal/repository"
)

// sweepable is the slice of repository behavior a retention source needs.
type sweepable[PT any] interface {
	List(ctx context.Context, opts repository.ListOptions) ([]PT, error)
	HardDeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// repoSource adapts one domain repository to the Source interface. The
// cutoff column decides which timestamp ages a row out; soft-deleted rows
// are swept like live ones.
type repoSource[PT any] struct {
	dataType  string
	cutoffCol string
	repo      sweepable[PT]
}

// NewAuditLogSource sweeps audit entries by their occurrence time.
func NewAuditLogSource(repo *repository.AuditLogRepository) Source {
	return &repoSource[*models.AuditLog]{dataType: "audit_logs", cutoffCol: "occurred_at", repo: repo}
}

// NewTelemetrySource sweeps telemetry events by their occurrence time.
func NewTelemetrySource(repo *repository.TelemetryRepository) Source {
	return &repoSource[*models.TelemetryEvent]{dataType: "telemetry_events", cutoffCol: "occurred_at", repo: repo}
}

// NewAlertSource sweeps alerts by when they last fired, so a recurring
// alert stays as long as it keeps recurring.
func NewAlertSource(repo *repository.AlertRepository) Source {
	return &repoSource[*models.Alert]{dataType: "alerts", cutoffCol: "last_occurred_at", repo: repo}
}

func (s *repoSource[PT]) DataType() string { return s.dataType }

func (s *repoSource[PT]) FetchOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	rows, err := s.repo.List(ctx, repository.ListOptions{
		Limit:          limit,
		OrderBy:        s.cutoffCol,
		IncludeDeleted: true,
		Filters:        repository.Filters{s.cutoffCol: map[string]any{"lt": cutoff}},
	})
	if err != nil {
		return nil, err
	}
	return toRecords(rows)
}

func (s *repoSource[PT]) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	return s.repo.HardDeleteByIDs(ctx, ids)
}

// toRecords flattens entities through their JSON form so archives carry the
// same field names the API serves.
func toRecords[PT any](entities []PT) ([]Record, error) {
	records := make([]Record, 0, len(entities))
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
