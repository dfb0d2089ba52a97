package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	s, err := store.CreateSession(ctx, "u1", "t1", Metadata{
		RemoteAddr: "10.0.0.1:1234",
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "t1" {
		t.Errorf("session = %+v", got)
	}
	if got.Device.OS != "linux" || got.Device.Browser != "firefox" {
		t.Errorf("device = %+v", got.Device)
	}

	if err := store.TouchSession(ctx, s.ID); err != nil {
		t.Errorf("TouchSession: %v", err)
	}
	if err := store.TouchSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("TouchSession(missing): %v", err)
	}

	if err := store.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteRevokeAllUserSessions(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	var keep string
	for i := 0; i < 3; i++ {
		s, err := store.CreateSession(ctx, "u1", "t1", Metadata{})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		keep = s.ID
	}

	count, err := store.RevokeAllUserSessions(ctx, "u1", keep)
	if err != nil {
		t.Fatalf("RevokeAllUserSessions: %v", err)
	}
	if count != 2 {
		t.Errorf("revoked %d, want 2", count)
	}

	sessions, err := store.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != keep {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestSQLiteRefreshRotation(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.StoreRefreshToken(ctx, "tok-1", "u1", "s1"); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}
	rec, err := store.ValidateRefreshToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ValidateRefreshToken: %v", err)
	}
	if rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}

	if err := store.RevokeRefreshToken(ctx, "tok-1"); err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}
	rec, err = store.ValidateRefreshToken(ctx, "tok-1")
	if !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("got %v, want ErrRefreshRevoked", err)
	}
	if rec == nil || rec.UserID != "u1" {
		t.Error("revoked record not returned")
	}
	if _, err := store.ValidateRefreshToken(ctx, "missing"); !errors.Is(err, ErrRefreshNotFound) {
		t.Errorf("got %v, want ErrRefreshNotFound", err)
	}
}

func TestSQLiteConsumeRefreshToken(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.StoreRefreshToken(ctx, "tok-1", "u1", "s1"); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}

	rec, err := store.ConsumeRefreshToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken: %v", err)
	}
	if rec.UserID != "u1" || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}

	rec, err = store.ConsumeRefreshToken(ctx, "tok-1")
	if !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("second consume: got %v, want ErrRefreshRevoked", err)
	}
	if rec == nil || rec.SessionID != "s1" {
		t.Error("consumed record not returned on the losing path")
	}

	if _, err := store.ConsumeRefreshToken(ctx, "missing"); !errors.Is(err, ErrRefreshNotFound) {
		t.Errorf("got %v, want ErrRefreshNotFound", err)
	}
}

func TestSQLiteAccessTokenBlacklist(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}
	// Idempotent.
	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("second RevokeAccessToken: %v", err)
	}

	revoked, err := store.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Errorf("IsTokenRevoked = %v, %v", revoked, err)
	}
	revoked, err = store.IsTokenRevoked(ctx, "jti-2")
	if err != nil || revoked {
		t.Errorf("IsTokenRevoked(unknown) = %v, %v", revoked, err)
	}
}
