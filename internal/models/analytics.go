package models

import "time"

// AggregationKind names the statistic an analytics row holds.
type AggregationKind string

const (
	AggregationCount        AggregationKind = "count"
	AggregationSum          AggregationKind = "sum"
	AggregationAvg          AggregationKind = "avg"
	AggregationMin          AggregationKind = "min"
	AggregationMax          AggregationKind = "max"
	AggregationMedian       AggregationKind = "median"
	AggregationP95          AggregationKind = "p95"
	AggregationP99          AggregationKind = "p99"
	AggregationStddev       AggregationKind = "stddev"
	AggregationVariance     AggregationKind = "variance"
	AggregationRate         AggregationKind = "rate"
	AggregationThroughput   AggregationKind = "throughput"
	AggregationLatency      AggregationKind = "latency"
	AggregationErrorRate    AggregationKind = "error_rate"
	AggregationAvailability AggregationKind = "availability"
	AggregationUptime       AggregationKind = "uptime"
	AggregationDowntime     AggregationKind = "downtime"
)

func aggregationKinds() []AggregationKind {
	return []AggregationKind{
		AggregationCount, AggregationSum, AggregationAvg, AggregationMin,
		AggregationMax, AggregationMedian, AggregationP95, AggregationP99,
		AggregationStddev, AggregationVariance, AggregationRate,
		AggregationThroughput, AggregationLatency, AggregationErrorRate,
		AggregationAvailability, AggregationUptime, AggregationDowntime,
	}
}

// Analytics is a precomputed aggregate over a period, scoped to the fleet,
// a group, or a single device.
type Analytics struct {
	Model
	AnalyticsType string          `db:"analytics_type" json:"analyticsType"`
	MetricName    string          `db:"metric_name" json:"metricName"`
	Aggregation   AggregationKind `db:"aggregation" json:"aggregation"`
	PeriodStart   time.Time       `db:"period_start" json:"periodStart"`
	PeriodEnd     time.Time       `db:"period_end" json:"periodEnd"`
	Granularity   string          `db:"granularity" json:"granularity,omitempty"`
	Scope         string          `db:"scope" json:"scope,omitempty"`
	DeviceID      *string         `db:"device_id" json:"deviceId,omitempty"`
	GroupID       *string         `db:"group_id" json:"groupId,omitempty"`
	Value         *float64        `db:"value" json:"value,omitempty"`
	CountValue    *int64          `db:"count_value" json:"countValue,omitempty"`
	Percentage    *float64        `db:"percentage" json:"percentage,omitempty"`
	MinValue      *float64        `db:"min_value" json:"minValue,omitempty"`
	MaxValue      *float64        `db:"max_value" json:"maxValue,omitempty"`
	AvgValue      *float64        `db:"avg_value" json:"avgValue,omitempty"`
	MedianValue   *float64        `db:"median_value" json:"medianValue,omitempty"`
	StddevValue   *float64        `db:"stddev_value" json:"stddevValue,omitempty"`
	SampleCount   *int64          `db:"sample_count" json:"sampleCount,omitempty"`
	Units         string          `db:"units" json:"units,omitempty"`
	Confidence    *float64        `db:"confidence" json:"confidence,omitempty"`
	DataQuality   *float64        `db:"data_quality" json:"dataQuality,omitempty"`
	Payload       JSONMap         `db:"payload" json:"payload,omitempty"`
}

func (Analytics) TableName() string { return "analytics" }

// Validate checks every field constraint and reports all violations.
func (a *Analytics) Validate() error {
	var errs ValidationErrors

	if a.AnalyticsType == "" {
		errs.add("analytics_type", "is required")
	}
	if a.MetricName == "" {
		errs.add("metric_name", "is required")
	}
	if !validEnum(a.Aggregation, aggregationKinds()...) {
		errs.add("aggregation", "must be one of: %s", enumList(aggregationKinds()...))
	}
	if a.PeriodStart.IsZero() || a.PeriodEnd.IsZero() {
		errs.add("period", "period_start and period_end are required")
	} else if a.PeriodEnd.Before(a.PeriodStart) {
		errs.add("period_end", "must not precede period_start")
	}
	if a.Percentage != nil && !inRange(*a.Percentage, 0, 100) {
		errs.add("percentage", "must be between 0 and 100")
	}
	if a.SampleCount != nil && *a.SampleCount < 0 {
		errs.add("sample_count", "must not be negative")
	}
	if a.Confidence != nil && !inRange(*a.Confidence, 0, 1) {
		errs.add("confidence", "must be between 0 and 1")
	}
	if a.DataQuality != nil && !inRange(*a.DataQuality, 0, 1) {
		errs.add("data_quality", "must be between 0 and 1")
	}

	return errs.OrNil()
}
