package models

import (
	"errors"
	"time"
)

// ErrUserNotFound is returned by user stores when no account matches the
// lookup. It lives here, beside the User type, so store implementations
// do not depend on the service package that wraps them.
var ErrUserNotFound = errors.New("user not found")

type Role string

const (
	// RoleSuper may act across tenant boundaries.
	RoleSuper Role = "super"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	PasswordHash      string     `json:"-"`
	TenantID          string     `json:"tenant_id"`
	Role              Role       `json:"role"`
	Permissions       []string   `json:"permissions"`
	EmailVerified     bool       `json:"email_verified"`
	FailedAttempts    int        `json:"-"`
	LockedUntil       *time.Time `json:"-"`
	LastLoginAt       *time.Time `json:"last_login_at"`
	LastLoginIP       string     `json:"last_login_ip"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PasswordChangedAt time.Time  `json:"password_changed_at"`
}
