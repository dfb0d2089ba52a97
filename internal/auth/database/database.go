// Package database persists user accounts for the credential service.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    role TEXT NOT NULL,
    permissions TEXT NOT NULL DEFAULT '[]',  -- JSON array
    email_verified INTEGER NOT NULL DEFAULT 0,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    locked_until DATETIME,
    last_login_at DATETIME,
    last_login_ip TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    password_changed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS password_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users (id)
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id);
CREATE INDEX IF NOT EXISTS idx_password_history_user_id ON password_history(user_id);
`

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, user *models.User) error {
	perms, err := json.Marshal(user.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO users (
            id, email, name, password_hash, tenant_id, role, permissions,
            email_verified, created_at, updated_at, password_changed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, user.ID, user.Email, user.Name, user.PasswordHash, user.TenantID,
		user.Role, string(perms), user.EmailVerified,
		user.CreatedAt, user.UpdatedAt, user.PasswordChangedAt)
	return err
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `WHERE email = ?`, email)
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteDB) getUser(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	user := &models.User{}
	var (
		perms       string
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT id, email, name, password_hash, tenant_id, role, permissions,
               email_verified, failed_attempts, locked_until, last_login_at,
               last_login_ip, created_at, updated_at, password_changed_at
        FROM users `+where, arg).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.TenantID,
		&user.Role, &perms, &user.EmailVerified, &user.FailedAttempts,
		&lockedUntil, &lastLogin, &user.LastLoginIP,
		&user.CreatedAt, &user.UpdatedAt, &user.PasswordChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &user.Permissions); err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}

// UpdateUser writes back the mutable account fields.
func (s *SQLiteDB) UpdateUser(ctx context.Context, user *models.User) error {
	perms, err := json.Marshal(user.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE users SET
            name = ?, role = ?, permissions = ?, email_verified = ?,
            failed_attempts = ?, locked_until = ?, last_login_at = ?,
            last_login_ip = ?, updated_at = ?
        WHERE id = ?
    `, user.Name, user.Role, string(perms), user.EmailVerified,
		user.FailedAttempts, user.LockedUntil, user.LastLoginAt,
		user.LastLoginIP, time.Now().UTC(), user.ID)
	return err
}

func (s *SQLiteDB) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE users SET password_hash = ?, password_changed_at = ?, updated_at = ?
        WHERE id = ?
    `, passwordHash, now, now, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteDB) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE users SET email_verified = 1, updated_at = ? WHERE id = ?
    `, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteDB) AddPasswordToHistory(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO password_history (user_id, password_hash, created_at)
        VALUES (?, ?, ?)
    `, userID, passwordHash, time.Now().UTC())
	return err
}

func (s *SQLiteDB) GetPasswordHistory(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT password_hash FROM password_history
        WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// CleanupOldPasswords keeps only the newest `keep` entries per user.
func (s *SQLiteDB) CleanupOldPasswords(ctx context.Context, userID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM password_history
        WHERE user_id = ? AND id NOT IN (
            SELECT id FROM password_history
            WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
        )
    `, userID, userID, keep)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
