// Package user manages accounts within a tenant: registration, credential
// verification and profile maintenance.
package user

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account belonging to a tenant. Email addresses are unique
// across the whole system; usernames are unique within a tenant.
type User struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	FullName     string     `json:"full_name,omitempty"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	IsSuperuser  bool       `json:"is_superuser"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Errors returned by the user package, checkable with errors.Is().
var (
	// ErrNotFound indicates the requested user does not exist.
	ErrNotFound = errors.New("user not found")

	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUsernameTaken indicates the username is already used in the tenant.
	ErrUsernameTaken = errors.New("username already taken in tenant")

	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrInvalidUsername indicates a malformed username.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrInvalidCredentials indicates the email/password pair did not
	// match. Deliberately covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled indicates the user or its tenant is not active.
	ErrAccountDisabled = errors.New("account disabled")
)

var (
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks basic email shape. Full RFC validation is not
// attempted; deliverability is the user's problem.
func ValidateEmail(email string) error {
	if !emailRe.MatchString(email) || len(email) > 255 {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUsername checks username shape: 3-50 characters from
// [a-zA-Z0-9_-].
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}
