package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s, err := store.CreateSession(ctx, "u1", "t1", Metadata{
		RemoteAddr: "10.0.0.1:1234",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID == "" {
		t.Fatal("session id not assigned")
	}
	if s.Device.OS != "windows" || s.Device.Browser != "chrome" {
		t.Errorf("device = %+v, want windows/chrome", s.Device)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "t1" {
		t.Errorf("session = %+v", got)
	}

	before := got.LastActivity
	time.Sleep(5 * time.Millisecond)
	if err := store.TouchSession(ctx, s.ID); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	touched, _ := store.GetSession(ctx, s.ID)
	if !touched.LastActivity.After(before) {
		t.Error("TouchSession did not advance LastActivity")
	}

	if err := store.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestRevokeAllUserSessionsExceptCurrent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	var keep string
	for i := 0; i < 3; i++ {
		s, err := store.CreateSession(ctx, "u1", "t1", Metadata{})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		keep = s.ID
	}
	other, err := store.CreateSession(ctx, "u2", "t1", Metadata{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	count, err := store.RevokeAllUserSessions(ctx, "u1", keep)
	if err != nil {
		t.Fatalf("RevokeAllUserSessions: %v", err)
	}
	if count != 2 {
		t.Errorf("revoked %d sessions, want 2", count)
	}
	if _, err := store.GetSession(ctx, keep); err != nil {
		t.Error("excepted session was revoked")
	}
	if _, err := store.GetSession(ctx, other.ID); err != nil {
		t.Error("another user's session was revoked")
	}

	sessions, err := store.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("ListUserSessions = %d entries, want 1", len(sessions))
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	live, _ := store.CreateSession(ctx, "u1", "t1", Metadata{})
	dead, _ := store.CreateSession(ctx, "u1", "t1", Metadata{})

	store.mu.Lock()
	store.sessions[dead.ID].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	if _, err := store.GetSession(ctx, dead.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session readable: %v", err)
	}

	count, err := store.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if count != 1 {
		t.Errorf("cleaned %d sessions, want 1", count)
	}
	if _, err := store.GetSession(ctx, live.ID); err != nil {
		t.Error("live session was cleaned up")
	}
}

func TestRefreshTokenSingleUse(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.StoreRefreshToken(ctx, "tok-1", "u1", "s1"); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}

	rec, err := store.ValidateRefreshToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("ValidateRefreshToken: %v", err)
	}
	if rec.UserID != "u1" || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}

	if err := store.RevokeRefreshToken(ctx, "tok-1"); err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}

	rec, err = store.ValidateRefreshToken(ctx, "tok-1")
	if !errors.Is(err, ErrRefreshRevoked) {
		t.Fatalf("got %v, want ErrRefreshRevoked", err)
	}
	if rec == nil || rec.SessionID != "s1" {
		t.Error("revoked validation should still return the record for replay handling")
	}

	if _, err := store.ValidateRefreshToken(ctx, "tok-unknown"); !errors.Is(err, ErrRefreshNotFound) {
		t.Errorf("got %v, want ErrRefreshNotFound", err)
	}

	// Revoking twice or revoking an unknown token is not an error.
	if err := store.RevokeRefreshToken(ctx, "tok-1"); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := store.RevokeRefreshToken(ctx, "tok-unknown"); err != nil {
		t.Errorf("revoke unknown: %v", err)
	}
}

func TestConsumeRefreshTokenSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.StoreRefreshToken(ctx, "tok-1", "u1", "s1"); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}

	const callers = 16
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.ConsumeRefreshToken(ctx, "tok-1")
			if rec == nil || rec.SessionID != "s1" {
				t.Errorf("record = %+v", rec)
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRefreshRevoked):
			losses++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != callers-1 {
		t.Errorf("wins = %d, losses = %d; want exactly one winner", wins, losses)
	}

	if _, err := store.ConsumeRefreshToken(ctx, "tok-unknown"); !errors.Is(err, ErrRefreshNotFound) {
		t.Errorf("got %v, want ErrRefreshNotFound", err)
	}
}

func TestConcurrentSessionAndRefreshAccess(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s, err := store.CreateSession(ctx, "u1", "t1", Metadata{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.StoreRefreshToken(ctx, "tok-1", "u1", s.ID); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}

	// Readers copy records the writers mutate in place; meaningful under
	// the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.GetSession(ctx, s.ID)
				store.ValidateRefreshToken(ctx, "tok-1")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.TouchSession(ctx, s.ID)
				store.RevokeRefreshToken(ctx, "tok-1")
			}
		}()
	}
	wg.Wait()
}

func TestAccessTokenBlacklist(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	revoked, err := store.IsTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("IsTokenRevoked = %v, %v; want false, nil", revoked, err)
	}

	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}

	revoked, err = store.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Errorf("IsTokenRevoked = %v, %v; want true, nil", revoked, err)
	}
}
