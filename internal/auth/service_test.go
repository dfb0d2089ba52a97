package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/database"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/models"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/events"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/session"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
)

// captureSender records outbound mail so tests can pull tokens out of
// the mailed links.
type captureSender struct {
	to      []string
	subject []string
	body    []string
}

func (c *captureSender) Send(to, subject, body string) error {
	c.to = append(c.to, to)
	c.subject = append(c.subject, subject)
	c.body = append(c.body, body)
	return nil
}

// lastToken extracts the token query parameter from the most recent mail.
func (c *captureSender) lastToken(t *testing.T) string {
	t.Helper()
	if len(c.body) == 0 {
		t.Fatal("no mail captured")
	}
	body := c.body[len(c.body)-1]
	idx := strings.Index(body, "token=")
	if idx < 0 {
		t.Fatalf("no token in mail body %q", body)
	}
	return strings.TrimSpace(body[idx+len("token="):])
}

type authFixture struct {
	svc    *Service
	store  session.Store
	tokens *token.Service
	bus    *events.Bus
	mail   *captureSender
}

func newAuthFixture(t *testing.T, cfg Config) *authFixture {
	t.Helper()

	users, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open user database: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	f := &authFixture{
		store:  store,
		tokens: token.NewService([]byte("0123456789abcdef0123456789abcdef"), "test-issuer"),
		bus:    events.NewBus(),
		mail:   &captureSender{},
	}
	f.svc = NewService(users, store, f.tokens, f.mail, f.bus, zap.NewNop(), cfg)
	return f
}

func (f *authFixture) register(t *testing.T, email, password string) *models.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), email, "Test User", password,
		"t1", models.RoleUser, []string{"orders:read"})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return user
}

const goodPassword = "Sup3rSecret42"

func TestRegisterAndLogin(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()

	user := f.register(t, "alice@example.com", goodPassword)
	if user.ID == "" || user.PasswordHash == goodPassword {
		t.Fatalf("user = %+v", user)
	}
	if len(f.mail.body) != 1 {
		t.Errorf("expected one verification mail, got %d", len(f.mail.body))
	}

	if _, err := f.svc.Register(ctx, "alice@example.com", "x", goodPassword, "t1", models.RoleUser, nil); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v, want ErrEmailTaken", err)
	}
	if _, err := f.svc.Register(ctx, "bob@example.com", "x", "weak", "t1", models.RoleUser, nil); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("weak password: got %v, want ErrPasswordTooShort", err)
	}

	if _, err := f.svc.Login(ctx, "alice@example.com", "WrongPassword1", session.Metadata{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := f.svc.Login(ctx, "nobody@example.com", goodPassword, session.Metadata{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}

	pair, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{RemoteAddr: "10.0.0.1:1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatalf("pair = %+v", pair)
	}
	if pair.ExpiresIn != int(token.AccessTTL.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", pair.ExpiresIn, int(token.AccessTTL.Seconds()))
	}

	claims, err := f.tokens.Verify(pair.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.UserID != user.ID || claims.SessionID != pair.SessionID || claims.Role != string(models.RoleUser) {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := f.store.GetSession(ctx, pair.SessionID); err != nil {
		t.Errorf("session not created: %v", err)
	}
}

func TestLoginLockout(t *testing.T) {
	f := newAuthFixture(t, Config{MaxLoginAttempts: 3, LockDuration: time.Hour})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Login(ctx, "alice@example.com", "WrongPassword1", session.Metadata{}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	// The account is now locked, even for the correct password.
	if _, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{}); !errors.Is(err, ErrUserLocked) {
		t.Fatalf("got %v, want ErrUserLocked", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)

	pair, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := f.bus.Subscribe(subCtx)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{RemoteAddr: "10.0.0.9:1"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.SessionID != pair.SessionID {
		t.Errorf("refresh changed session: %s -> %s", pair.SessionID, next.SessionID)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if _, err := f.tokens.Verify(next.AccessToken, token.KindAccess); err != nil {
		t.Errorf("new access token invalid: %v", err)
	}

	// Replaying the rotated token fails closed and raises a replay event.
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{RemoteAddr: "203.0.113.7:9"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replay: got %v, want ErrInvalidToken", err)
	}
	select {
	case ev := <-sub:
		if ev.Kind != events.KindTokenReplay || ev.Replay == nil {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Replay.SessionID != pair.SessionID || ev.Replay.RemoteAddr != "203.0.113.7:9" {
			t.Errorf("replay event = %+v", ev.Replay)
		}
	case <-time.After(time.Second):
		t.Fatal("no replay event published")
	}

	// The live session's current token still works.
	if _, err := f.svc.Refresh(ctx, next.RefreshToken, session.Metadata{}); err != nil {
		t.Errorf("live refresh after replay: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)
	pair, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 8
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidToken):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly one exchange to succeed", wins)
	}
}

func TestRefreshRejectsNonRefreshTokens(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	if _, err := f.svc.Refresh(ctx, pair.AccessToken, session.Metadata{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token as refresh: got %v, want ErrInvalidToken", err)
	}
	if _, err := f.svc.Refresh(ctx, "garbage", session.Metadata{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: got %v, want ErrInvalidToken", err)
	}
}

func TestRefreshFailsForDeletedSession(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	if err := f.store.DeleteSession(ctx, pair.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestExpiredAccessRecoveredByRefresh(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	user := f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	// An access token past its expiry is rejected outright.
	expired, err := f.tokens.Issue(token.KindAccess, token.Claims{
		UserID:    user.ID,
		SessionID: pair.SessionID,
	}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.tokens.Verify(expired, token.KindAccess); !errors.Is(err, token.ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}

	// The refresh flow replaces it with a working pair.
	next, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.tokens.Verify(next.AccessToken, token.KindAccess); err != nil {
		t.Errorf("refreshed access token invalid: %v", err)
	}
}

func TestLogout(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	claims, err := f.tokens.Verify(pair.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	principal := token.PrincipalFromClaims(claims)

	if err := f.svc.Logout(ctx, principal, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	revoked, err := f.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil || !revoked {
		t.Errorf("access token not blacklisted: %v, %v", revoked, err)
	}
	if _, err := f.store.GetSession(ctx, pair.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session survived logout: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, session.Metadata{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh after logout: got %v, want ErrInvalidToken", err)
	}
}

func TestLogoutEverywhere(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)

	var pairs []*TokenPair
	for i := 0; i < 3; i++ {
		pair, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}
	current := pairs[2].SessionID

	user, _ := f.svc.users.GetUserByEmail(ctx, "alice@example.com")
	count, err := f.svc.LogoutEverywhere(ctx, user.ID, current)
	if err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	if count != 2 {
		t.Errorf("revoked %d sessions, want 2", count)
	}

	sessions, _ := f.svc.Sessions(ctx, user.ID)
	if len(sessions) != 1 || sessions[0].ID != current {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	user := f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})
	other, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	if err := f.svc.ChangePassword(ctx, user.ID, pair.SessionID, "WrongOld1", "NewSecret999"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong old password: got %v, want ErrInvalidCredentials", err)
	}
	if err := f.svc.ChangePassword(ctx, user.ID, pair.SessionID, goodPassword, goodPassword); !errors.Is(err, ErrPasswordReused) {
		t.Errorf("reused password: got %v, want ErrPasswordReused", err)
	}

	if err := f.svc.ChangePassword(ctx, user.ID, pair.SessionID, goodPassword, "NewSecret999"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// Other sessions are revoked, the current one survives.
	if _, err := f.store.GetSession(ctx, other.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("other session survived password change: %v", err)
	}
	if _, err := f.store.GetSession(ctx, pair.SessionID); err != nil {
		t.Errorf("current session revoked: %v", err)
	}

	if _, err := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password still accepted: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice@example.com", "NewSecret999", session.Metadata{}); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	// The old password cannot come back later either.
	if err := f.svc.ChangePassword(ctx, user.ID, "", "NewSecret999", goodPassword); !errors.Is(err, ErrPasswordReused) {
		t.Errorf("history reuse: got %v, want ErrPasswordReused", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newAuthFixture(t, Config{BaseURL: "https://gw.example.com"})
	ctx := context.Background()
	f.register(t, "alice@example.com", goodPassword)
	pair, _ := f.svc.Login(ctx, "alice@example.com", goodPassword, session.Metadata{})

	// Unknown addresses are silently accepted.
	mails := len(f.mail.body)
	if err := f.svc.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset unknown: %v", err)
	}
	if len(f.mail.body) != mails {
		t.Error("mail sent for unknown address")
	}

	if err := f.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	reset := f.mail.lastToken(t)

	if err := f.svc.ResetPassword(ctx, "bogus", "NewSecret999"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bogus token: got %v, want ErrInvalidToken", err)
	}
	if err := f.svc.ResetPassword(ctx, reset, "NewSecret999"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	// Every session is revoked by a reset.
	if _, err := f.store.GetSession(ctx, pair.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session survived reset: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice@example.com", "NewSecret999", session.Metadata{}); err != nil {
		t.Errorf("login with reset password: %v", err)
	}
}

func TestEmailVerificationFlow(t *testing.T) {
	f := newAuthFixture(t, Config{BaseURL: "https://gw.example.com"})
	ctx := context.Background()
	user := f.register(t, "alice@example.com", goodPassword)
	verify := f.mail.lastToken(t)

	if err := f.svc.VerifyEmail(ctx, "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bogus token: got %v, want ErrInvalidToken", err)
	}
	if err := f.svc.VerifyEmail(ctx, verify); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	got, err := f.svc.users.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !got.EmailVerified {
		t.Error("email not marked verified")
	}
}

func TestIssueModuleAssertion(t *testing.T) {
	f := newAuthFixture(t, Config{})

	principal := token.Principal{
		UserID:      "u1",
		TenantID:    "t1",
		Role:        "user",
		Permissions: []string{"orders:read"},
	}

	if _, err := f.svc.IssueModuleAssertion(principal, ""); err == nil {
		t.Error("expected error for empty module name")
	}

	assertion, err := f.svc.IssueModuleAssertion(principal, "billing")
	if err != nil {
		t.Fatalf("IssueModuleAssertion: %v", err)
	}
	claims, err := f.tokens.Verify(assertion, token.KindModuleAssertion)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SourceModule != "billing" || claims.UserID != "u1" || claims.TenantID != "t1" {
		t.Errorf("claims = %+v", claims)
	}

	// An assertion must never pass where an access token is expected.
	if _, err := f.tokens.Verify(assertion, token.KindAccess); !errors.Is(err, token.ErrTokenTypeMismatch) {
		t.Errorf("got %v, want ErrTokenTypeMismatch", err)
	}
}

func TestIssueAPIKey(t *testing.T) {
	f := newAuthFixture(t, Config{})
	ctx := context.Background()
	user := f.register(t, "alice@example.com", goodPassword)

	key, err := f.svc.IssueAPIKey(ctx, user.ID)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	claims, err := f.tokens.Verify(key, token.KindAPIKey)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != user.ID || claims.Role != string(models.RoleUser) {
		t.Errorf("claims = %+v", claims)
	}
}
