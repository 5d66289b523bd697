package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Model carries the persistence fields shared by every entity: identity,
// bookkeeping timestamps, the soft-delete pair, and the free-form metadata
// bag. Embed it as the first field of an entity struct.
type Model struct {
	ID        string     `db:"id" json:"id"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
	IsDeleted bool       `db:"is_deleted" json:"isDeleted"`
	DeletedAt *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	Metadata  JSONMap    `db:"metadata" json:"metadata,omitempty"`
}

// Entity is implemented by every persisted model.
type Entity interface {
	TableName() string
	Meta() *Model
	Validate() error
}

// Meta returns the shared persistence fields. Embedding Model makes any
// entity satisfy this part of the Entity contract.
func (m *Model) Meta() *Model { return m }

// StampNew fills identity and bookkeeping fields before the first insert.
// An already-assigned ID is kept so callers can pick their own.
func (m *Model) StampNew(now time.Time) {
	now = now.UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Touch bumps the update timestamp.
func (m *Model) Touch(now time.Time) {
	m.UpdatedAt = now.UTC()
}

// MarkDeleted flips the soft-delete pair.
func (m *Model) MarkDeleted(now time.Time) {
	now = now.UTC()
	m.IsDeleted = true
	m.DeletedAt = &now
	m.UpdatedAt = now
}

// JSONMap is a free-form JSON object stored in a TEXT (sqlite) or jsonb
// (postgres) column.
type JSONMap map[string]any

// Value implements driver.Valuer. Empty maps store as NULL.
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// StringList is a JSON array of strings stored in a TEXT/jsonb column.
type StringList []string

// Value implements driver.Valuer. Empty lists store as NULL.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every violation found on one entity so the
// caller sees the full picture in a single pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OrNil returns the list as an error, or nil when empty.
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func validEnum[T ~string](value T, allowed ...T) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func enumList[T ~string](allowed ...T) string {
	parts := make([]string, len(allowed))
	for i, a := range allowed {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
