// Package auth is the credential-issuing authority of the platform: it
// authenticates users, opens and closes sessions, rotates refresh tokens,
// and produces the single-purpose tokens (password reset, email
// verification, module assertion) the other modules rely on.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/database"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/models"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/events"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/mailer"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/session"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
)

// Config holds the credential service policy.
type Config struct {
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	MaxLoginAttempts     int
	LockDuration         time.Duration
	PasswordHistoryLimit int
	// BaseURL is the externally visible address used in mailed links.
	BaseURL string
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = token.AccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = token.RefreshTTL
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = 5
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 15 * time.Minute
	}
	if c.PasswordHistoryLimit <= 0 {
		c.PasswordHistoryLimit = 5
	}
	return c
}

// TokenPair is the result of a login or refresh exchange.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	SessionID    string `json:"sessionId"`
}

// Service implements the credential flows on top of the token service and
// the session store.
type Service struct {
	users  *database.SQLiteDB
	store  session.Store
	tokens *token.Service
	mail   mailer.Sender
	bus    *events.Bus
	logger *zap.Logger
	cfg    Config
	policy PasswordPolicy
}

func NewService(
	users *database.SQLiteDB,
	store session.Store,
	tokens *token.Service,
	mail mailer.Sender,
	bus *events.Bus,
	logger *zap.Logger,
	cfg Config,
) *Service {
	return &Service{
		users:  users,
		store:  store,
		tokens: tokens,
		mail:   mail,
		bus:    bus,
		logger: logger,
		cfg:    cfg.withDefaults(),
		policy: DefaultPasswordPolicy(),
	}
}

// Register creates a user account and mails a verification link.
func (s *Service) Register(ctx context.Context, email, name, password, tenantID string, role models.Role, perms []string) (*models.User, error) {
	if existing, err := s.users.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	} else if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	if err := s.policy.ValidatePassword(password, email); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:                uuid.NewString(),
		Email:             email,
		Name:              name,
		PasswordHash:      string(hash),
		TenantID:          tenantID,
		Role:              role,
		Permissions:       perms,
		CreatedAt:         now,
		UpdatedAt:         now,
		PasswordChangedAt: now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if err := s.sendVerificationMail(user); err != nil {
		s.logger.Warn("verification mail failed", zap.Error(err), zap.String("user_id", user.ID))
	}
	return user, nil
}

// Login authenticates the user and opens a session, returning an
// access/refresh pair bound to it.
func (s *Service) Login(ctx context.Context, email, password string, meta session.Metadata) (*TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return nil, ErrUserLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedAttempts++
		if user.FailedAttempts >= s.cfg.MaxLoginAttempts {
			lockUntil := time.Now().Add(s.cfg.LockDuration)
			user.LockedUntil = &lockUntil
			user.FailedAttempts = 0
			s.logger.Warn("account locked after failed logins",
				zap.String("user_id", user.ID), zap.String("remote_addr", meta.RemoteAddr))
		}
		s.users.UpdateUser(ctx, user)
		return nil, ErrInvalidCredentials
	}

	user.FailedAttempts = 0
	user.LockedUntil = nil
	now := time.Now().UTC()
	user.LastLoginAt = &now
	user.LastLoginIP = meta.RemoteAddr
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}

	sess, err := s.store.CreateSession(ctx, user.ID, user.TenantID, meta)
	if err != nil {
		return nil, err
	}

	pair, err := s.issuePair(ctx, user, sess.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("login",
		zap.String("user_id", user.ID),
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", meta.RemoteAddr),
	)
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same
// session. Consumption of the old token is atomic in the store, so of
// any number of concurrent exchanges with the same token exactly one
// receives a pair; the rest fail closed regardless of elapsed time.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta session.Metadata) (*TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}

	rec, err := s.store.ConsumeRefreshToken(ctx, refreshToken)
	if errors.Is(err, session.ErrRefreshRevoked) {
		// Replay of a rotated token: the strongest theft signal we see.
		// Fail closed without punishing the live session, but surface it.
		s.logger.Warn("rotated refresh token replayed",
			zap.String("user_id", rec.UserID),
			zap.String("session_id", rec.SessionID),
			zap.String("remote_addr", meta.RemoteAddr),
		)
		if s.bus != nil {
			s.bus.PublishReplay(events.TokenReplayEvent{
				UserID:     rec.UserID,
				SessionID:  rec.SessionID,
				RemoteAddr: meta.RemoteAddr,
				SeenAt:     time.Now().UTC(),
			})
		}
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, ErrInvalidToken
	}
	// The old token is dead from here on, whichever branch is taken.
	if rec.UserID != claims.UserID {
		return nil, ErrInvalidToken
	}

	if _, err := s.store.GetSession(ctx, rec.SessionID); err != nil {
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	s.store.TouchSession(ctx, rec.SessionID)

	return s.issuePair(ctx, user, rec.SessionID)
}

// issuePair signs an access/refresh pair for the session and records the
// refresh token's rotation state.
func (s *Service) issuePair(ctx context.Context, user *models.User, sessionID string) (*TokenPair, error) {
	access, err := s.tokens.Issue(token.KindAccess, token.Claims{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		Role:        string(user.Role),
		Permissions: user.Permissions,
		Email:       user.Email,
		SessionID:   sessionID,
	}, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	refresh, err := s.tokens.Issue(token.KindRefresh, token.Claims{
		UserID:   user.ID,
		TenantID: user.TenantID,
	}, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	if err := s.store.StoreRefreshToken(ctx, refresh, user.ID, sessionID); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
		SessionID:    sessionID,
	}, nil
}

// Logout blacklists the presented access token, invalidates the supplied
// refresh token, and deletes the session.
func (s *Service) Logout(ctx context.Context, principal token.Principal, refreshToken string) error {
	if err := s.store.RevokeAccessToken(ctx, principal.TokenID, principal.TokenExpiry); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.store.RevokeRefreshToken(ctx, refreshToken); err != nil {
			return err
		}
	}
	if principal.SessionID != "" {
		if err := s.store.DeleteSession(ctx, principal.SessionID); err != nil {
			return err
		}
	}
	s.logger.Info("logout", zap.String("user_id", principal.UserID), zap.String("session_id", principal.SessionID))
	return nil
}

// LogoutEverywhere force-revokes all of the user's sessions except the
// one given (pass "" to revoke all) and returns the number removed.
func (s *Service) LogoutEverywhere(ctx context.Context, userID, exceptSessionID string) (int, error) {
	count, err := s.store.RevokeAllUserSessions(ctx, userID, exceptSessionID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("sessions revoked",
		zap.String("user_id", userID),
		zap.String("except", exceptSessionID),
		zap.Int("count", count),
	)
	return count, nil
}

// Sessions lists the user's live sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*session.Session, error) {
	return s.store.ListUserSessions(ctx, userID)
}

// ChangePassword verifies the old password, applies policy and history
// checks, updates the hash, and revokes every other session.
func (s *Service) ChangePassword(ctx context.Context, userID, currentSessionID, oldPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}

	// Password change invalidates every other login.
	if _, err := s.store.RevokeAllUserSessions(ctx, userID, currentSessionID); err != nil {
		return err
	}
	return nil
}

// RequestPasswordReset mails a reset link. It deliberately succeeds even
// for unknown addresses so callers cannot probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}

	reset, err := s.tokens.Issue(token.KindPasswordReset, token.Claims{
		UserID: user.ID,
		Email:  user.Email,
	}, 0)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("Reset your password within one hour:\n\n%s/auth/password/reset?token=%s\n",
		s.cfg.BaseURL, reset)
	return s.mail.Send(user.Email, "Password reset", body)
}

// ResetPassword consumes a reset token and revokes every session.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.Verify(resetToken, token.KindPasswordReset)
	if err != nil {
		return ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}
	_, err = s.store.RevokeAllUserSessions(ctx, user.ID, "")
	return err
}

func (s *Service) setPassword(ctx context.Context, user *models.User, newPassword string) error {
	if err := s.policy.ValidatePassword(newPassword, user.Email); err != nil {
		return err
	}

	history, err := s.users.GetPasswordHistory(ctx, user.ID, s.cfg.PasswordHistoryLimit)
	if err != nil {
		return err
	}
	for _, prev := range append(history, user.PasswordHash) {
		if bcrypt.CompareHashAndPassword([]byte(prev), []byte(newPassword)) == nil {
			return ErrPasswordReused
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.AddPasswordToHistory(ctx, user.ID, user.PasswordHash); err != nil {
		return err
	}
	if err := s.users.CleanupOldPasswords(ctx, user.ID, s.cfg.PasswordHistoryLimit); err != nil {
		return err
	}
	return s.users.UpdateUserPassword(ctx, user.ID, string(hash))
}

// RequestEmailVerification mails a fresh verification link.
func (s *Service) RequestEmailVerification(ctx context.Context, userID string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.sendVerificationMail(user)
}

func (s *Service) sendVerificationMail(user *models.User) error {
	verify, err := s.tokens.Issue(token.KindEmailVerification, token.Claims{
		UserID: user.ID,
		Email:  user.Email,
	}, 0)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Confirm your email address:\n\n%s/auth/verify-email/confirm?token=%s\n",
		s.cfg.BaseURL, verify)
	return s.mail.Send(user.Email, "Verify your email", body)
}

// VerifyEmail consumes a verification token.
func (s *Service) VerifyEmail(ctx context.Context, verifyToken string) error {
	claims, err := s.tokens.Verify(verifyToken, token.KindEmailVerification)
	if err != nil {
		return ErrInvalidToken
	}
	return s.users.MarkEmailVerified(ctx, claims.UserID)
}

// IssueModuleAssertion snapshots the principal's identity for a
// service-to-service call: the named module vouches for the caller so the
// receiving module can trust it without re-authenticating against the
// primary credential store.
func (s *Service) IssueModuleAssertion(principal token.Principal, sourceModule string) (string, error) {
	if sourceModule == "" {
		return "", fmt.Errorf("source module is required")
	}
	return s.tokens.Issue(token.KindModuleAssertion, token.Claims{
		UserID:       principal.UserID,
		TenantID:     principal.TenantID,
		Role:         principal.Role,
		Permissions:  principal.Permissions,
		SourceModule: sourceModule,
	}, 0)
}

// IssueAPIKey creates a long-lived credential carrying the user's current
// role and permission snapshot.
func (s *Service) IssueAPIKey(ctx context.Context, userID string) (string, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.tokens.Issue(token.KindAPIKey, token.Claims{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		Role:        string(user.Role),
		Permissions: user.Permissions,
		Email:       user.Email,
	}, 0)
}
