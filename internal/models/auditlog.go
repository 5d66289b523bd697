package models

import "time"

// AuditAction names what happened to a resource.
type AuditAction string

const (
	ActionCreate       AuditAction = "create"
	ActionRead         AuditAction = "read"
	ActionUpdate       AuditAction = "update"
	ActionDelete       AuditAction = "delete"
	ActionLogin        AuditAction = "login"
	ActionLogout       AuditAction = "logout"
	ActionAuthenticate AuditAction = "authenticate"
	ActionAuthorize    AuditAction = "authorize"
	ActionConfigure    AuditAction = "configure"
	ActionDeploy       AuditAction = "deploy"
	ActionStart        AuditAction = "start"
	ActionStop         AuditAction = "stop"
	ActionRestart      AuditAction = "restart"
	ActionBackup       AuditAction = "backup"
	ActionRestore      AuditAction = "restore"
	ActionExport       AuditAction = "export"
	ActionImport       AuditAction = "import"
	ActionApprove      AuditAction = "approve"
	ActionReject       AuditAction = "reject"
	ActionAssign       AuditAction = "assign"
	ActionUnassign     AuditAction = "unassign"
	ActionEnable       AuditAction = "enable"
	ActionDisable      AuditAction = "disable"
	ActionCustom       AuditAction = "custom"
)

func auditActions() []AuditAction {
	return []AuditAction{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionLogin,
		ActionLogout, ActionAuthenticate, ActionAuthorize, ActionConfigure,
		ActionDeploy, ActionStart, ActionStop, ActionRestart, ActionBackup,
		ActionRestore, ActionExport, ActionImport, ActionApprove, ActionReject,
		ActionAssign, ActionUnassign, ActionEnable, ActionDisable, ActionCustom,
	}
}

// SecurityActions returns the subset of actions that security reviews care
// about regardless of outcome.
func SecurityActions() []AuditAction {
	return []AuditAction{ActionLogin, ActionLogout, ActionAuthenticate, ActionAuthorize}
}

// DefaultAuditRetentionDays applies when an entry does not set its own
// retention.
const DefaultAuditRetentionDays = 365

// AuditLog is one immutable record of who did what. Rows are written in the
// same transaction as the change they describe.
type AuditLog struct {
	Model
	Action        AuditAction `db:"action" json:"action"`
	ResourceType  string      `db:"resource_type" json:"resourceType"`
	ResourceID    string      `db:"resource_id" json:"resourceId,omitempty"`
	UserID        *string     `db:"user_id" json:"userId,omitempty"`
	SessionID     string      `db:"session_id" json:"sessionId,omitempty"`
	IPAddress     string      `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent     string      `db:"user_agent" json:"userAgent,omitempty"`
	RequestID     string      `db:"request_id" json:"requestId,omitempty"`
	CorrelationID string      `db:"correlation_id" json:"correlationId,omitempty"`
	Description   string      `db:"description" json:"description,omitempty"`
	Details       JSONMap     `db:"details" json:"details,omitempty"`
	OldValues     JSONMap     `db:"old_values" json:"oldValues,omitempty"`
	NewValues     JSONMap     `db:"new_values" json:"newValues,omitempty"`
	ChangedFields StringList  `db:"changed_fields" json:"changedFields,omitempty"`
	Success       bool        `db:"success" json:"success"`
	ErrorCode     string      `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage  string      `db:"error_message" json:"errorMessage,omitempty"`
	OccurredAt    time.Time   `db:"occurred_at" json:"occurredAt"`
	DurationMs    *float64    `db:"duration_ms" json:"durationMs,omitempty"`
	SourceSystem  string      `db:"source_system" json:"sourceSystem,omitempty"`
	SourceMethod  string      `db:"source_method" json:"sourceMethod,omitempty"`
	RetentionDays int         `db:"retention_days" json:"retentionDays"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// IsSecurityEvent reports whether the entry belongs to the
// authentication/authorization family.
func (l *AuditLog) IsSecurityEvent() bool {
	return validEnum(l.Action, SecurityActions()...)
}

// Validate checks every field constraint and reports all violations.
func (l *AuditLog) Validate() error {
	var errs ValidationErrors

	if !validEnum(l.Action, auditActions()...) {
		errs.add("action", "must be one of: %s", enumList(auditActions()...))
	}
	if l.ResourceType == "" {
		errs.add("resource_type", "is required")
	}
	if l.OccurredAt.IsZero() {
		errs.add("occurred_at", "is required")
	}
	if l.DurationMs != nil && *l.DurationMs < 0 {
		errs.add("duration_ms", "must not be negative")
	}
	if l.RetentionDays < 1 {
		errs.add("retention_days", "must be at least 1")
	}

	return errs.OrNil()
}
