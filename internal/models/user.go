package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Role grants a user a permission tier.
type Role string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleAdmin         Role = "admin"
	RoleOperator      Role = "operator"
	RoleViewer        Role = "viewer"
	RoleDeviceManager Role = "device_manager"
	RoleAnalyst       Role = "analyst"
	RoleGuest         Role = "guest"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserStatusActive            UserStatus = "active"
	UserStatusInactive          UserStatus = "inactive"
	UserStatusSuspended         UserStatus = "suspended"
	UserStatusPendingActivation UserStatus = "pending_activation"
	UserStatusLocked            UserStatus = "locked"
)

const (
	// MinKDFIterations is the floor for the password derivation rounds.
	MinKDFIterations = 100000

	kdfScheme   = "pbkdf2_sha256"
	kdfSaltSize = 16
	kdfKeyLen   = 32
)

// User is an operator account. Credentials are stored as a salted PBKDF2
// digest; the iteration count travels inside the hash string so verification
// survives configuration changes.
type User struct {
	Model
	Username            string     `db:"username" json:"username"`
	Email               string     `db:"email" json:"email"`
	FirstName           string     `db:"first_name" json:"firstName,omitempty"`
	LastName            string     `db:"last_name" json:"lastName,omitempty"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	PasswordSalt        string     `db:"password_salt" json:"-"`
	Role                Role       `db:"role" json:"role"`
	Status              UserStatus `db:"status" json:"status"`
	LastLoginAt         *time.Time `db:"last_login_at" json:"lastLoginAt,omitempty"`
	LastLoginIP         string     `db:"last_login_ip" json:"lastLoginIp,omitempty"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"failedLoginAttempts"`
	LockedUntil         *time.Time `db:"locked_until" json:"lockedUntil,omitempty"`
	MFASecret           string     `db:"mfa_secret" json:"-"`
	APIKey              string     `db:"api_key" json:"-"`
	APIKeyExpiresAt     *time.Time `db:"api_key_expires_at" json:"apiKeyExpiresAt,omitempty"`
	Preferences         JSONMap    `db:"preferences" json:"preferences,omitempty"`
}

func (User) TableName() string { return "users" }

// SetPassword derives and stores a fresh salted digest.
func (u *User) SetPassword(password string, iterations int) error {
	if password == "" {
		return ValidationErrors{{Field: "password", Message: "is required"}}
	}
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	salt := make([]byte, kdfSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	u.PasswordSalt = base64.StdEncoding.EncodeToString(salt)
	u.PasswordHash = hashPassword(password, salt, iterations)
	return nil
}

// CheckPassword verifies a candidate password in constant time. It never
// reveals whether the stored hash was malformed versus mismatched.
func (u *User) CheckPassword(password string) bool {
	salt, err := base64.StdEncoding.DecodeString(u.PasswordSalt)
	if err != nil {
		return false
	}
	iterations, storedDigest, ok := parsePasswordHash(u.PasswordHash)
	if !ok {
		return false
	}
	candidate := pbkdf2.Key([]byte(password), salt, iterations, kdfKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(candidate, storedDigest) == 1
}

// IsLockedOut reports whether the account is under an active lockout or has
// been administratively locked.
func (u *User) IsLockedOut(now time.Time) bool {
	if u.Status == UserStatusLocked {
		return true
	}
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// FullName joins the name parts, falling back to the username.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

func hashPassword(password string, salt []byte, iterations int) string {
	digest := pbkdf2.Key([]byte(password), salt, iterations, kdfKeyLen, sha256.New)
	return fmt.Sprintf("%s$%d$%s", kdfScheme, iterations, base64.StdEncoding.EncodeToString(digest))
}

func parsePasswordHash(hash string) (iterations int, digest []byte, ok bool) {
	parts := strings.SplitN(hash, "$", 3)
	if len(parts) != 3 || parts[0] != kdfScheme {
		return 0, nil, false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return 0, nil, false
	}
	digest, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, false
	}
	return iterations, digest, true
}

// Validate checks every field constraint and reports all violations.
func (u *User) Validate() error {
	var errs ValidationErrors

	if u.Username == "" {
		errs.add("username", "is required")
	}
	if u.Email == "" {
		errs.add("email", "is required")
	} else if _, err := mail.ParseAddress(u.Email); err != nil {
		errs.add("email", "is not a valid address")
	}
	if !validEnum(u.Role,
		RoleSuperAdmin, RoleAdmin, RoleOperator, RoleViewer,
		RoleDeviceManager, RoleAnalyst, RoleGuest) {
		errs.add("role", "must be one of: %s", enumList(
			RoleSuperAdmin, RoleAdmin, RoleOperator, RoleViewer,
			RoleDeviceManager, RoleAnalyst, RoleGuest))
	}
	if !validEnum(u.Status,
		UserStatusActive, UserStatusInactive, UserStatusSuspended,
		UserStatusPendingActivation, UserStatusLocked) {
		errs.add("status", "must be one of: %s", enumList(
			UserStatusActive, UserStatusInactive, UserStatusSuspended,
			UserStatusPendingActivation, UserStatusLocked))
	}
	if u.FailedLoginAttempts < 0 {
		errs.add("failed_login_attempts", "must not be negative")
	}

	return errs.OrNil()
}
