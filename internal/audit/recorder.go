// Package audit writes the immutable action trail. Entries go through the
// session carried by the context, so an entry recorded inside a transaction
// commits or rolls back together with the mutation it describes.
package audit

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/models"
	"github.com/edgefleet/edgefleet/internal/repository"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
)

// Entry is what a caller states about one action. The ambient parts
// (acting principal, request descriptor, correlation id) are filled in
// from the context by Record.
type Entry struct {
	Action        models.AuditAction
	ResourceType  string
	ResourceID    string
	Description   string
	Details       models.JSONMap
	OldValues     models.JSONMap
	NewValues     models.JSONMap
	Success       bool
	ErrorCode     string
	ErrorMessage  string
	Duration      time.Duration
	RetentionDays int
}

// Recorder turns entries into audit log rows.
type Recorder struct {
	repo   *repository.AuditLogRepository
	source string
}

// NewRecorder builds a recorder stamping every entry with the given source
// system name.
func NewRecorder(repo *repository.AuditLogRepository, sourceSystem string) *Recorder {
	return &Recorder{repo: repo, source: sourceSystem}
}

// Record writes one entry. The principal supplies the actor and session,
// the request descriptor supplies the remote address and user agent, and
// the correlation id ties the entry to the rest of the operation. Absent
// ambient values simply stay empty, so background work records cleanly.
func (r *Recorder) Record(ctx context.Context, e Entry) (*models.AuditLog, error) {
	row := &models.AuditLog{
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Description:   e.Description,
		Details:       e.Details,
		OldValues:     e.OldValues,
		NewValues:     e.NewValues,
		ChangedFields: ChangedFields(e.OldValues, e.NewValues),
		Success:       e.Success,
		ErrorCode:     e.ErrorCode,
		ErrorMessage:  e.ErrorMessage,
		OccurredAt:    time.Now().UTC(),
		SourceSystem:  r.source,
		RetentionDays: e.RetentionDays,
	}
	if row.RetentionDays < 1 {
		row.RetentionDays = models.DefaultAuditRetentionDays
	}
	if e.Duration > 0 {
		ms := float64(e.Duration) / float64(time.Millisecond)
		row.DurationMs = &ms
	}
	if p, ok := runtimectx.PrincipalFrom(ctx); ok {
		uid := p.UserID
		row.UserID = &uid
		row.SessionID = p.SessionID
	}
	if req, ok := runtimectx.RequestFrom(ctx); ok {
		row.IPAddress = req.RemoteAddr
		row.UserAgent = req.UserAgent
		row.SourceMethod = strings.TrimSpace(req.Method + " " + req.Path)
	}
	if id, ok := runtimectx.CorrelationIDFrom(ctx); ok {
		row.CorrelationID = id
	}

	if err := r.repo.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("record audit entry: %w", err)
	}
	return row, nil
}

// Create records a successful resource creation.
func (r *Recorder) Create(ctx context.Context, resourceType, resourceID string, values models.JSONMap) error {
	_, err := r.Record(ctx, Entry{
		Action:       models.ActionCreate,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		NewValues:    values,
		Success:      true,
	})
	return err
}

// Update records a successful resource update together with its diff.
func (r *Recorder) Update(ctx context.Context, resourceType, resourceID string, oldValues, newValues models.JSONMap) error {
	_, err := r.Record(ctx, Entry{
		Action:       models.ActionUpdate,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValues:    oldValues,
		NewValues:    newValues,
		Success:      true,
	})
	return err
}

// Delete records a successful resource deletion, keeping the final values.
func (r *Recorder) Delete(ctx context.Context, resourceType, resourceID string, oldValues models.JSONMap) error {
	_, err := r.Record(ctx, Entry{
		Action:       models.ActionDelete,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValues:    oldValues,
		Success:      true,
	})
	return err
}

// Login records a sign-in by the ambient principal.
func (r *Recorder) Login(ctx context.Context) error {
	e := Entry{Action: models.ActionLogin, ResourceType: "session", Success: true}
	if p, ok := runtimectx.PrincipalFrom(ctx); ok {
		e.ResourceID = p.SessionID
		e.Description = fmt.Sprintf("%s signed in", p.Username)
	}
	_, err := r.Record(ctx, e)
	return err
}

// Logout records a sign-out by the ambient principal.
func (r *Recorder) Logout(ctx context.Context) error {
	e := Entry{Action: models.ActionLogout, ResourceType: "session", Success: true}
	if p, ok := runtimectx.PrincipalFrom(ctx); ok {
		e.ResourceID = p.SessionID
		e.Description = fmt.Sprintf("%s signed out", p.Username)
	}
	_, err := r.Record(ctx, e)
	return err
}

// AuthFailure records a failed authentication attempt. A failed attempt has
// no principal in scope, so the tried username travels in the details.
func (r *Recorder) AuthFailure(ctx context.Context, username, reason string) error {
	_, err := r.Record(ctx, Entry{
		Action:       models.ActionAuthenticate,
		ResourceType: "session",
		Details:      models.JSONMap{"username": username},
		Success:      false,
		ErrorCode:    "authentication_failed",
		ErrorMessage: reason,
	})
	return err
}

// Configure records a configuration change with its diff.
func (r *Recorder) Configure(ctx context.Context, section string, oldValues, newValues models.JSONMap) error {
	_, err := r.Record(ctx, Entry{
		Action:       models.ActionConfigure,
		ResourceType: "configuration",
		ResourceID:   section,
		OldValues:    oldValues,
		NewValues:    newValues,
		Success:      true,
	})
	return err
}

// ChangedFields returns the sorted keys whose values differ between the old
// and new snapshots. A key present on only one side counts as changed.
func ChangedFields(oldValues, newValues models.JSONMap) models.StringList {
	if len(oldValues) == 0 && len(newValues) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(oldValues)+len(newValues))
	for k := range oldValues {
		seen[k] = struct{}{}
	}
	for k := range newValues {
		seen[k] = struct{}{}
	}
	var fields []string
	for k := range seen {
		ov, inOld := oldValues[k]
		nv, inNew := newValues[k]
		if inOld != inNew || !reflect.DeepEqual(ov, nv) {
			fields = append(fields, k)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)
	return fields
}
