package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// UserRepository adds account lifecycle and authentication over operator
// accounts. Authenticate is deliberately quiet about why a login failed:
// unknown user, bad password, and locked account all return (nil, nil).
type UserRepository struct {
	*Repository[models.User, *models.User]
	maxAttempts int
	lockout     time.Duration
	iterations  int
}

func NewUserRepository(manager *database.Manager, cfg config.AuthConfig) *UserRepository {
	return &UserRepository{
		Repository:  NewRepository[models.User](manager),
		maxAttempts: cfg.MaxLoginAttempts,
		lockout:     time.Duration(cfg.LockoutMinutes) * time.Minute,
		iterations:  cfg.KDFIterations,
	}
}

// CreateUser hashes the password and inserts the account. Username and email
// must be unique among live accounts; the engine's unique indexes back this
// check up under concurrency.
func (r *UserRepository) CreateUser(ctx context.Context, u *models.User, password string) error {
	if err := u.SetPassword(password, r.iterations); err != nil {
		return err
	}
	if existing, err := r.GetByUsername(ctx, u.Username); err != nil {
		return err
	} else if existing != nil {
		return r.wrap("create", fmt.Errorf("%w: username %q already taken", ErrConflict, u.Username))
	}
	if existing, err := r.GetByEmail(ctx, u.Email); err != nil {
		return err
	} else if existing != nil {
		return r.wrap("create", fmt.Errorf("%w: email %q already registered", ErrConflict, u.Email))
	}
	return r.Create(ctx, u)
}

// GetByUsername fetches a live account by exact username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE username = ? AND is_deleted = ?", r.stmts.selectList, r.stmts.table)
	var u models.User
	err = s.GetContext(ctx, &u, s.Rebind(query), username, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &u, nil
}

// GetByEmail fetches a live account by email, compared case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE LOWER(email) = LOWER(?) AND is_deleted = ?", r.stmts.selectList, r.stmts.table)
	var u models.User
	err = s.GetContext(ctx, &u, s.Rebind(query), email, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &u, nil
}

// Authenticate verifies credentials and maintains the lockout counters.
// Returns the account on success and (nil, nil) on any failure. A locked
// account stays locked, correct password or not, until UnlockUser.
func (r *UserRepository) Authenticate(ctx context.Context, username, password, ip string) (*models.User, error) {
	u, err := r.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	if u.IsLockedOut(now) {
		log.Warn().Str("username", username).Str("ip", ip).Msg("Login attempt on locked account")
		return nil, nil
	}
	if !u.CheckPassword(password) {
		return nil, r.recordFailedAttempt(ctx, u, ip, now)
	}
	if u.Status != models.UserStatusActive {
		return nil, nil
	}
	updated, err := r.Update(ctx, u.ID, map[string]any{
		"failed_login_attempts": 0,
		"locked_until":          nil,
		"last_login_at":         now,
		"last_login_ip":         ip,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *UserRepository) recordFailedAttempt(ctx context.Context, u *models.User, ip string, now time.Time) error {
	attempts := u.FailedLoginAttempts + 1
	changes := map[string]any{"failed_login_attempts": attempts}
	if attempts >= r.maxAttempts {
		changes["status"] = string(models.UserStatusLocked)
		changes["locked_until"] = now.Add(r.lockout)
		log.Warn().
			Str("username", u.Username).
			Str("ip", ip).
			Int("attempts", attempts).
			Msg("Account locked after repeated login failures")
	}
	_, err := r.Update(ctx, u.ID, changes)
	return err
}

// UnlockUser clears a lockout: the account returns to active with fresh
// counters. Reports whether the account existed.
func (r *UserRepository) UnlockUser(ctx context.Context, id string) (bool, error) {
	u, err := r.Update(ctx, id, map[string]any{
		"status":                string(models.UserStatusActive),
		"failed_login_attempts": 0,
		"locked_until":          nil,
	})
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// LockUser administratively locks an account without a timed expiry.
func (r *UserRepository) LockUser(ctx context.Context, id string) (bool, error) {
	u, err := r.Update(ctx, id, map[string]any{
		"status": string(models.UserStatusLocked),
	})
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// UpdatePassword rehashes and stores a new credential.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, newPassword string) (bool, error) {
	u, err := r.Get(ctx, id, false)
	if err != nil || u == nil {
		return false, err
	}
	if err := u.SetPassword(newPassword, r.iterations); err != nil {
		return false, err
	}
	updated, err := r.Update(ctx, id, map[string]any{
		"password_hash": u.PasswordHash,
		"password_salt": u.PasswordSalt,
	})
	if err != nil {
		return false, err
	}
	return updated != nil, nil
}

// ListByRole pages accounts holding one role.
func (r *UserRepository) ListByRole(ctx context.Context, role models.Role, skip, limit int) ([]*models.User, error) {
	return r.List(ctx, ListOptions{Skip: skip, Limit: limit, Filters: Filters{"role": string(role)}})
}

// ListActive returns accounts that can currently sign in.
func (r *UserRepository) ListActive(ctx context.Context) ([]*models.User, error) {
	return r.List(ctx, ListOptions{
		Filters: Filters{"status": string(models.UserStatusActive)},
		OrderBy: "username asc",
		Limit:   defaultListLimit,
	})
}
