package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Schema for the trust state shared by gateway replicas pointing at the
// same database file or server.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    last_activity DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    remote_addr TEXT NOT NULL,
    device_kind TEXT NOT NULL,
    device_os TEXT NOT NULL,
    device_browser TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    revoked_at DATETIME
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL,
    revoked_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_session_id ON refresh_tokens(session_id);
`

// SQLiteStore persists trust state in sqlite.
type SQLiteStore struct {
	db      *sql.DB
	devices *DeviceParser
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, devices: NewDeviceParser()}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, tenantID string, meta Metadata) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(SessionTTL),
		RemoteAddr:   meta.RemoteAddr,
		Device:       s.devices.Parse(meta.UserAgent),
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions (
            id, user_id, tenant_id, created_at, last_activity, expires_at,
            remote_addr, device_kind, device_os, device_browser
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, sess.ID, sess.UserID, sess.TenantID, sess.CreatedAt, sess.LastActivity,
		sess.ExpiresAt, sess.RemoteAddr, sess.Device.Kind, sess.Device.OS, sess.Device.Browser)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
        SELECT id, user_id, tenant_id, created_at, last_activity, expires_at,
               remote_addr, device_kind, device_os, device_browser
        FROM sessions WHERE id = ?
    `, id))
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, tenant_id, created_at, last_activity, expires_at,
               remote_addr, device_kind, device_os, device_browser
        FROM sessions WHERE user_id = ? AND expires_at > ?
    `, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.CreatedAt,
			&sess.LastActivity, &sess.ExpiresAt, &sess.RemoteAddr,
			&sess.Device.Kind, &sess.Device.OS, &sess.Device.Browser); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RevokeAllUserSessions(ctx context.Context, userID, exceptID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND id != ?`, userID, exceptID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) StoreRefreshToken(ctx context.Context, tok, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO refresh_tokens (token, user_id, session_id, created_at)
        VALUES (?, ?, ?, ?)
    `, tok, userID, sessionID, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ValidateRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error) {
	rec := &RefreshRecord{}
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT token, user_id, session_id, created_at, revoked_at
        FROM refresh_tokens WHERE token = ?
    `, tok).Scan(&rec.Token, &rec.UserID, &rec.SessionID, &rec.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		rec.RevokedAt = &revoked.Time
		return rec, ErrRefreshRevoked
	}
	return rec, nil
}

func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error) {
	// The conditional UPDATE is the atomicity point: of two concurrent
	// consumers only one affects the row.
	res, err := s.db.ExecContext(ctx, `
        UPDATE refresh_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL
    `, time.Now().UTC(), tok)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	rec, verr := s.ValidateRefreshToken(ctx, tok)
	if n > 0 && errors.Is(verr, ErrRefreshRevoked) {
		// This call won the row; the revocation it now reads is its own.
		return rec, nil
	}
	return rec, verr
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tok string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE refresh_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL
    `, time.Now().UTC(), tok)
	return err
}

func (s *SQLiteStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO revoked_tokens (jti, expires_at, revoked_at)
        VALUES (?, ?, ?)
    `, jti, exp.UTC(), time.Now().UTC())
	return err
}

func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE jti = ?`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.CreatedAt,
		&sess.LastActivity, &sess.ExpiresAt, &sess.RemoteAddr,
		&sess.Device.Kind, &sess.Device.OS, &sess.Device.Browser)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}
