// Package session owns the mutable trust state of the platform: session
// records, refresh-token rotation state, and the revocation registry for
// access-token identifiers. No other component touches this state
// directly; the auth service and the gateway go through a Store.
package session

import (
	"context"
	"errors"
	"time"
)

// SessionTTL is the lifetime of a login session.
const SessionTTL = 7 * 24 * time.Hour

var (
	// ErrSessionNotFound is returned when a session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshNotFound is returned when a refresh token has no store record.
	ErrRefreshNotFound = errors.New("refresh token not found")
	// ErrRefreshRevoked is returned when a refresh token was already rotated
	// or revoked. Callers treat this the same as not-found on the wire, but
	// it is the signal a replay detector listens for.
	ErrRefreshRevoked = errors.New("refresh token has been revoked")
)

// Metadata captures the request context of a login.
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// Session is the record of a login.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	RemoteAddr   string    `json:"remote_addr"`
	Device       Device    `json:"device"`
}

// RefreshRecord tracks one refresh token's rotation state.
type RefreshRecord struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Store is the single owner of sessions, refresh-token records, and the
// access-token revocation registry. Implementations must be safe for
// concurrent use; the memory implementation serves a single-instance
// deployment, the sqlite and redis implementations let several gateway
// replicas share revocation and session truth.
type Store interface {
	// CreateSession records a login and returns the new session, with
	// expiry set SessionTTL from now.
	CreateSession(ctx context.Context, userID, tenantID string, meta Metadata) (*Session, error)
	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)
	// TouchSession updates the session's last-activity time.
	TouchSession(ctx context.Context, id string) error
	// DeleteSession removes the session. Deleting an absent session is not
	// an error.
	DeleteSession(ctx context.Context, id string) error
	// ListUserSessions returns all live sessions owned by the user.
	ListUserSessions(ctx context.Context, userID string) ([]*Session, error)
	// RevokeAllUserSessions deletes every session owned by the user except
	// the one matching exceptID (pass "" to delete all) and returns the
	// number removed.
	RevokeAllUserSessions(ctx context.Context, userID, exceptID string) (int, error)
	// CleanupExpiredSessions sweeps sessions whose expiry has passed and
	// returns the number removed. Intended to run on a fixed interval.
	CleanupExpiredSessions(ctx context.Context) (int, error)

	// StoreRefreshToken records a freshly issued refresh token.
	StoreRefreshToken(ctx context.Context, tok, userID, sessionID string) error
	// ValidateRefreshToken returns the record for a live refresh token,
	// ErrRefreshNotFound when there is no record, or the record together
	// with ErrRefreshRevoked when it was already invalidated.
	ValidateRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error)
	// ConsumeRefreshToken atomically revokes a live refresh token and
	// returns its record. Of any set of concurrent callers exactly one
	// receives a nil error; the rest get the record together with
	// ErrRefreshRevoked, the same way ValidateRefreshToken reports an
	// already-rotated token.
	ConsumeRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error)
	// RevokeRefreshToken marks the token invalid. Idempotent.
	RevokeRefreshToken(ctx context.Context, tok string) error

	// RevokeAccessToken blacklists an access-token identifier until exp.
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	// IsTokenRevoked reports whether the identifier is blacklisted.
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	Close() error
}
