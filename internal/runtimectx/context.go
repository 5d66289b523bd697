// Package runtimectx carries request-scoped ambient values through call
// chains: the active configuration, a correlation id, the database session,
// the cache client, the authenticated principal, and the inbound request
// descriptor. Values ride on context.Context, so a child goroutine inherits
// its parent's snapshot by receiving the context, and leaving a scope is
// simply returning to the parent context.
package runtimectx

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/edgefleet/edgefleet/internal/config"
)

type contextKey int

const (
	keyConfig contextKey = iota
	keyCorrelationID
	keySession
	keyCache
	keyPrincipal
	keyRequest
)

// Session is the database query surface carried by a scope. Pooled engines
// (*sqlx.DB), checked-out connections (*sqlx.Conn), and open transactions
// (*sqlx.Tx) all satisfy it, so code reading the ambient session works the
// same inside and outside a transaction.
type Session interface {
	Rebind(query string) string
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Principal describes the authenticated caller.
type Principal struct {
	UserID    string
	Username  string
	Role      string
	SessionID string
}

// Request describes the inbound operator request a scope serves.
type Request struct {
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// MissingError reports a required ambient field read outside a populated
// scope. It is a programmer error and should propagate.
type MissingError struct {
	Field string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("runtime context missing %s", e.Field)
}

// WithConfig returns a child scope carrying the active configuration.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, keyConfig, cfg)
}

// ConfigFrom returns the ambient configuration, if set.
func ConfigFrom(ctx context.Context) (*config.Config, bool) {
	cfg, ok := ctx.Value(keyConfig).(*config.Config)
	return cfg, ok && cfg != nil
}

// RequireConfig returns the ambient configuration or a MissingError.
func RequireConfig(ctx context.Context) (*config.Config, error) {
	if cfg, ok := ConfigFrom(ctx); ok {
		return cfg, nil
	}
	return nil, &MissingError{Field: "config"}
}

// WithCorrelationID returns a child scope carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// EnsureCorrelationID returns the scope's correlation id, generating and
// attaching a fresh one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id, ok := CorrelationIDFrom(ctx); ok {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// CorrelationIDFrom returns the ambient correlation id, if set.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyCorrelationID).(string)
	return id, ok && id != ""
}

// RequireCorrelationID returns the ambient correlation id or a MissingError.
func RequireCorrelationID(ctx context.Context) (string, error) {
	if id, ok := CorrelationIDFrom(ctx); ok {
		return id, nil
	}
	return "", &MissingError{Field: "correlation_id"}
}

// WithSession returns a child scope carrying an active database session.
// Scoped acquisition helpers on the connection manager call this so every
// repository operation inside the scope shares one session.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, keySession, s)
}

// SessionFrom returns the ambient database session, if set.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(keySession).(Session)
	return s, ok && s != nil
}

// RequireSession returns the ambient database session or a MissingError.
func RequireSession(ctx context.Context) (Session, error) {
	if s, ok := SessionFrom(ctx); ok {
		return s, nil
	}
	return nil, &MissingError{Field: "session"}
}

// WithCache returns a child scope carrying the process cache client.
func WithCache(ctx context.Context, client *redis.Client) context.Context {
	return context.WithValue(ctx, keyCache, client)
}

// CacheFrom returns the ambient cache client, if set.
func CacheFrom(ctx context.Context) (*redis.Client, bool) {
	c, ok := ctx.Value(keyCache).(*redis.Client)
	return c, ok && c != nil
}

// WithPrincipal returns a child scope carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom returns the ambient principal, if set.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(keyPrincipal).(Principal)
	return p, ok && p.UserID != ""
}

// WithRequest returns a child scope carrying the inbound request descriptor.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, keyRequest, r)
}

// RequestFrom returns the ambient request descriptor, if set.
func RequestFrom(ctx context.Context) (Request, bool) {
	r, ok := ctx.Value(keyRequest).(Request)
	return r, ok
}
