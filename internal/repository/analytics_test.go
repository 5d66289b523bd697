package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/models"
)

func metricRow(name, scope string, start time.Time, value float64) *models.Analytics {
	end := start.Add(time.Hour)
	return &models.Analytics{
		AnalyticsType: "fleet_health",
		MetricName:    name,
		Aggregation:   models.AggregationAvg,
		PeriodStart:   start,
		PeriodEnd:     end,
		Granularity:   "hourly",
		Scope:         scope,
		Value:         f64(value),
	}
}

func mustCreateMetric(t *testing.T, repo *AnalyticsRepository, a *models.Analytics) *models.Analytics {
	t.Helper()
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("create metric %s: %v", a.MetricName, err)
	}
	return a
}

func TestListByMetricWindows(t *testing.T) {
	analytics := NewAnalyticsRepository(newTestManager(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", base.Add(time.Duration(i)*time.Hour), 0.9))
	}
	mustCreateMetric(t, analytics, metricRow("fleet.error_rate", "fleet", base, 0.01))
	scoped := metricRow("fleet.online_ratio", "group:grp-1", base, 0.7)
	mustCreateMetric(t, analytics, scoped)

	rows, err := analytics.ListByMetric(ctx, "fleet.online_ratio", AnalyticsWindow{})
	if err != nil {
		t.Fatalf("list by metric: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	// Newest period first.
	if !rows[0].PeriodStart.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("head period = %v", rows[0].PeriodStart)
	}

	since := base.Add(time.Hour)
	until := base.Add(3 * time.Hour)
	bounded, err := analytics.ListByMetric(ctx, "fleet.online_ratio", AnalyticsWindow{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("bounded list: %v", err)
	}
	if len(bounded) != 2 {
		t.Fatalf("bounded = %d", len(bounded))
	}

	grouped, err := analytics.ListByMetric(ctx, "fleet.online_ratio", AnalyticsWindow{Scope: "group:grp-1"})
	if err != nil {
		t.Fatalf("scoped list: %v", err)
	}
	if len(grouped) != 1 || grouped[0].ID != scoped.ID {
		t.Fatalf("scoped = %+v", grouped)
	}

	paged, err := analytics.ListByMetric(ctx, "fleet.online_ratio", AnalyticsWindow{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(paged) != 2 {
		t.Fatalf("page = %d", len(paged))
	}
}

func TestLatestMetricsPicksNewestPerName(t *testing.T) {
	analytics := NewAnalyticsRepository(newTestManager(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", base, 0.8))
	newest := mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", base.Add(2*time.Hour), 0.95))
	single := mustCreateMetric(t, analytics, metricRow("fleet.error_rate", "fleet", base, 0.02))

	latest, err := analytics.LatestMetrics(ctx, "fleet_health", "")
	if err != nil {
		t.Fatalf("latest metrics: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %d", len(latest))
	}
	byName := map[string]*models.Analytics{}
	for _, row := range latest {
		byName[row.MetricName] = row
	}
	if got := byName["fleet.online_ratio"]; got == nil || got.ID != newest.ID {
		t.Fatalf("online_ratio latest = %+v", got)
	}
	if got := byName["fleet.error_rate"]; got == nil || got.ID != single.ID {
		t.Fatalf("error_rate latest = %+v", got)
	}

	if none, err := analytics.LatestMetrics(ctx, "no_such_type", ""); err != nil || len(none) != 0 {
		t.Fatalf("unknown type: %d %v", len(none), err)
	}
}

func TestTrendReturnsOldestFirst(t *testing.T) {
	analytics := NewAnalyticsRepository(newTestManager(t))
	ctx := context.Background()

	now := time.Now().UTC()
	for _, age := range []int{1, 2, 3} {
		mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", now.AddDate(0, 0, -age), 0.9))
	}
	// Outside the charting window.
	mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", now.AddDate(0, 0, -10), 0.5))

	trend, err := analytics.Trend(ctx, "fleet.online_ratio", 7, "")
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend) != 3 {
		t.Fatalf("points = %d", len(trend))
	}
	for i := 1; i < len(trend); i++ {
		if trend[i].PeriodStart.Before(trend[i-1].PeriodStart) {
			t.Fatalf("points out of order at %d", i)
		}
	}
}

func TestSummaryDistributions(t *testing.T) {
	analytics := NewAnalyticsRepository(newTestManager(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	usage := metricRow("device.uptime", "device:dev-1", base, 3600)
	usage.AnalyticsType = "device_usage"
	mustCreateMetric(t, analytics, usage)
	mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", base, 0.9))
	mustCreateMetric(t, analytics, metricRow("fleet.error_rate", "fleet", base, 0.01))

	summary, err := analytics.Summary(ctx, "", nil, nil)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 3 {
		t.Fatalf("total = %d", summary.Total)
	}
	if summary.ByType["fleet_health"] != 2 || summary.ByType["device_usage"] != 1 {
		t.Fatalf("by type = %v", summary.ByType)
	}
	if summary.ByScope["fleet"] != 2 || summary.ByScope["device:dev-1"] != 1 {
		t.Fatalf("by scope = %v", summary.ByScope)
	}

	narrowed, err := analytics.Summary(ctx, "fleet_health", nil, nil)
	if err != nil {
		t.Fatalf("narrowed summary: %v", err)
	}
	if narrowed.Total != 2 {
		t.Fatalf("narrowed total = %d", narrowed.Total)
	}
}

func TestAnalyticsCleanup(t *testing.T) {
	analytics := NewAnalyticsRepository(newTestManager(t))
	ctx := context.Background()

	now := time.Now().UTC()
	mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", now.AddDate(0, 0, -40), 0.8))
	keep := mustCreateMetric(t, analytics, metricRow("fleet.online_ratio", "fleet", now.AddDate(0, 0, -2), 0.9))

	n, err := analytics.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d", n)
	}
	left, err := analytics.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].ID != keep.ID {
		t.Fatalf("remaining = %+v", left)
	}

	if _, err := analytics.Cleanup(ctx, 0); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("zero retention: %v", err)
	}
}
