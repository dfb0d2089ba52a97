package auth

import (
	"errors"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/models"
)

// ErrUserNotFound re-exports the user store sentinel so callers of this
// package match on one error value.
var ErrUserNotFound = models.ErrUserNotFound

var (
	// ErrInvalidCredentials is returned when email or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserLocked is returned when the account is temporarily locked after
	// too many failed login attempts.
	ErrUserLocked = errors.New("account is temporarily locked")
	// ErrInvalidToken is returned for any refresh, reset, or verification
	// token that fails validation, including replay of a rotated refresh
	// token.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrPasswordReused is returned when a new password matches a recent one.
	ErrPasswordReused = errors.New("password has been used recently")
)
