package models

import "time"

// EventType classifies a telemetry event.
type EventType string

const (
	EventTypeSensorData    EventType = "sensor_data"
	EventTypeSystemMetrics EventType = "system_metrics"
	EventTypePerformance   EventType = "performance"
	EventTypeHealthCheck   EventType = "health_check"
	EventTypeErrorLog      EventType = "error_log"
	EventTypeEventLog      EventType = "event_log"
	EventTypeConfiguration EventType = "configuration"
	EventTypeDiagnostic    EventType = "diagnostic"
	EventTypeAlert         EventType = "alert"
	EventTypeCustom        EventType = "custom"
)

// TelemetryEvent is one reading or event reported by a device. Exactly one
// of the typed value fields is usually set; payload carries anything
// structured.
type TelemetryEvent struct {
	Model
	DeviceID             string     `db:"device_id" json:"deviceId"`
	EventType            EventType  `db:"event_type" json:"eventType"`
	EventName            string     `db:"event_name" json:"eventName"`
	Source               string     `db:"source" json:"source,omitempty"`
	OccurredAt           time.Time  `db:"occurred_at" json:"occurredAt"`
	ReceivedAt           time.Time  `db:"received_at" json:"receivedAt"`
	NumericValue         *float64   `db:"numeric_value" json:"numericValue,omitempty"`
	StringValue          *string    `db:"string_value" json:"stringValue,omitempty"`
	BoolValue            *bool      `db:"bool_value" json:"boolValue,omitempty"`
	Payload              JSONMap    `db:"payload" json:"payload,omitempty"`
	Units                string     `db:"units" json:"units,omitempty"`
	Quality              *float64   `db:"quality" json:"quality,omitempty"`
	Confidence           *float64   `db:"confidence" json:"confidence,omitempty"`
	Processed            bool       `db:"processed" json:"processed"`
	ProcessedAt          *time.Time `db:"processed_at" json:"processedAt,omitempty"`
	ProcessingDurationMs *float64   `db:"processing_duration_ms" json:"processingDurationMs,omitempty"`
	CorrelationID        string     `db:"correlation_id" json:"correlationId,omitempty"`
	TraceID              string     `db:"trace_id" json:"traceId,omitempty"`
	SpanID               string     `db:"span_id" json:"spanId,omitempty"`
	SequenceNumber       *int64     `db:"sequence_number" json:"sequenceNumber,omitempty"`
	BatchID              string     `db:"batch_id" json:"batchId,omitempty"`
}

func (TelemetryEvent) TableName() string { return "telemetry_events" }

// MarkProcessed records a completed processing pass.
func (e *TelemetryEvent) MarkProcessed(now time.Time, durationMs float64) {
	now = now.UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.ProcessingDurationMs = &durationMs
}

// Validate checks every field constraint and reports all violations.
// Events arriving with occurred_at after received_at are tolerated; clock
// skew between devices and the plane is expected.
func (e *TelemetryEvent) Validate() error {
	var errs ValidationErrors

	if e.DeviceID == "" {
		errs.add("device_id", "is required")
	}
	if e.EventName == "" {
		errs.add("event_name", "is required")
	}
	if !validEnum(e.EventType,
		EventTypeSensorData, EventTypeSystemMetrics, EventTypePerformance,
		EventTypeHealthCheck, EventTypeErrorLog, EventTypeEventLog,
		EventTypeConfiguration, EventTypeDiagnostic, EventTypeAlert, EventTypeCustom) {
		errs.add("event_type", "must be one of: %s", enumList(
			EventTypeSensorData, EventTypeSystemMetrics, EventTypePerformance,
			EventTypeHealthCheck, EventTypeErrorLog, EventTypeEventLog,
			EventTypeConfiguration, EventTypeDiagnostic, EventTypeAlert, EventTypeCustom))
	}
	if e.OccurredAt.IsZero() {
		errs.add("occurred_at", "is required")
	}
	if e.Quality != nil && !inRange(*e.Quality, 0, 1) {
		errs.add("quality", "must be between 0 and 1")
	}
	if e.Confidence != nil && !inRange(*e.Confidence, 0, 1) {
		errs.add("confidence", "must be between 0 and 1")
	}
	if e.ProcessingDurationMs != nil && *e.ProcessingDurationMs < 0 {
		errs.add("processing_duration_ms", "must not be negative")
	}
	if e.SequenceNumber != nil && *e.SequenceNumber < 0 {
		errs.add("sequence_number", "must not be negative")
	}

	return errs.OrNil()
}
