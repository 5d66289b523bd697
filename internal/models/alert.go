package models

import "time"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AlertStatus tracks an alert through its lifecycle.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusInProgress   AlertStatus = "in_progress"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusClosed       AlertStatus = "closed"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

// Alert is a raised condition, deduplicated by occurrence counting rather
// than by inserting a new row per recurrence.
type Alert struct {
	Model
	Title            string      `db:"title" json:"title"`
	Description      string      `db:"description" json:"description,omitempty"`
	AlertType        string      `db:"alert_type" json:"alertType"`
	Severity         Severity    `db:"severity" json:"severity"`
	Status           AlertStatus `db:"status" json:"status"`
	DeviceID         *string     `db:"device_id" json:"deviceId,omitempty"`
	RuleID           *string     `db:"rule_id" json:"ruleId,omitempty"`
	FirstOccurredAt  time.Time   `db:"first_occurred_at" json:"firstOccurredAt"`
	LastOccurredAt   time.Time   `db:"last_occurred_at" json:"lastOccurredAt"`
	OccurrenceCount  int         `db:"occurrence_count" json:"occurrenceCount"`
	Priority         *int        `db:"priority" json:"priority,omitempty"`
	AcknowledgedBy   *string     `db:"acknowledged_by" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt   *time.Time  `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
	ResolvedBy       *string     `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time  `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolutionNotes  string      `db:"resolution_notes" json:"resolutionNotes,omitempty"`
	ResolutionAction string      `db:"resolution_action" json:"resolutionAction,omitempty"`

	// Loaded on demand, never persisted.
	Device *Device `db:"-" json:"device,omitempty"`
}

func (Alert) TableName() string { return "alerts" }

// IsOpen reports whether the alert still needs attention.
func (a *Alert) IsOpen() bool {
	switch a.Status {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusInProgress:
		return true
	}
	return false
}

// Acknowledge records who took ownership.
func (a *Alert) Acknowledge(userID string, now time.Time) {
	now = now.UTC()
	a.Status = AlertStatusAcknowledged
	a.AcknowledgedBy = &userID
	a.AcknowledgedAt = &now
}

// Resolve closes out the alert with an outcome.
func (a *Alert) Resolve(userID, notes, action string, now time.Time) {
	now = now.UTC()
	a.Status = AlertStatusResolved
	a.ResolvedBy = &userID
	a.ResolvedAt = &now
	a.ResolutionNotes = notes
	a.ResolutionAction = action
}

// Validate checks every field constraint and reports all violations.
func (a *Alert) Validate() error {
	var errs ValidationErrors

	if a.Title == "" {
		errs.add("title", "is required")
	}
	if a.AlertType == "" {
		errs.add("alert_type", "is required")
	}
	if !validEnum(a.Severity,
		SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo) {
		errs.add("severity", "must be one of: %s", enumList(
			SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo))
	}
	if !validEnum(a.Status,
		AlertStatusOpen, AlertStatusAcknowledged, AlertStatusInProgress,
		AlertStatusResolved, AlertStatusClosed, AlertStatusSuppressed) {
		errs.add("status", "must be one of: %s", enumList(
			AlertStatusOpen, AlertStatusAcknowledged, AlertStatusInProgress,
			AlertStatusResolved, AlertStatusClosed, AlertStatusSuppressed))
	}
	if a.FirstOccurredAt.IsZero() || a.LastOccurredAt.IsZero() {
		errs.add("occurred_at", "first_occurred_at and last_occurred_at are required")
	} else if a.LastOccurredAt.Before(a.FirstOccurredAt) {
		errs.add("last_occurred_at", "must not precede first_occurred_at")
	}
	if a.OccurrenceCount < 1 {
		errs.add("occurrence_count", "must be at least 1")
	}
	if a.Priority != nil && (*a.Priority < 0 || *a.Priority > 100) {
		errs.add("priority", "must be between 0 and 100")
	}

	return errs.OrNil()
}
