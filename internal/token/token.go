// Package token issues and verifies the platform's signed credentials.
// Every credential carries an explicit type discriminator so that a
// refresh token, API key, or single-purpose token can never be accepted
// where an access token is expected.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Kind identifies what a signed credential may be used for.
type Kind string

const (
	KindAccess            Kind = "access"
	KindRefresh           Kind = "refresh"
	KindAPIKey            Kind = "api_key"
	KindPasswordReset     Kind = "password_reset"
	KindEmailVerification Kind = "email_verification"
	KindModuleAssertion   Kind = "module_assertion"
)

// Default lifetimes per kind.
const (
	AccessTTL            = 15 * time.Minute
	RefreshTTL           = 7 * 24 * time.Hour
	APIKeyTTL            = 365 * 24 * time.Hour
	PasswordResetTTL     = time.Hour
	EmailVerificationTTL = 24 * time.Hour
	ModuleAssertionTTL   = time.Hour
)

var (
	// ErrTokenInvalid is returned when a token fails signature or claim validation.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a token's expiry has passed.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenTypeMismatch is returned when a token's type discriminator does
	// not match the kind the caller expected.
	ErrTokenTypeMismatch = errors.New("unexpected token type")
)

// DefaultTTL returns the default lifetime for a token kind.
func DefaultTTL(kind Kind) time.Duration {
	switch kind {
	case KindAccess:
		return AccessTTL
	case KindRefresh:
		return RefreshTTL
	case KindAPIKey:
		return APIKeyTTL
	case KindPasswordReset:
		return PasswordResetTTL
	case KindEmailVerification:
		return EmailVerificationTTL
	case KindModuleAssertion:
		return ModuleAssertionTTL
	default:
		return AccessTTL
	}
}

// Claims is the payload embedded in every platform credential. Identity
// fields are populated according to the kind: access and API-key tokens
// carry the full principal, refresh tokens only user and tenant,
// module assertions additionally name the originating module.
type Claims struct {
	Type        Kind     `json:"type"`
	UserID      string   `json:"userId,omitempty"`
	TenantID    string   `json:"tenantId,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Email       string   `json:"email,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	// SourceModule is set on module-assertion tokens only and names the
	// internal module vouching for the principal.
	SourceModule string `json:"sourceModule,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity carried by access and API-key
// tokens. Immutable for the lifetime of the token that produced it.
type Principal struct {
	UserID      string
	TenantID    string
	Role        string
	Permissions []string
	SessionID   string
	TokenID     string
	TokenKind   Kind
	TokenExpiry time.Time
}

// WildcardPermission grants every permission.
const WildcardPermission = "*"

// HasPermission reports whether the principal holds the permission,
// either directly or through the wildcard.
func (p Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == WildcardPermission || have == perm {
			return true
		}
	}
	return false
}

// Service signs and verifies credentials. It holds no mutable state and
// performs no I/O, so a single instance is safe for concurrent use.
type Service struct {
	secret []byte
	issuer string
}

func NewService(secret []byte, issuer string) *Service {
	return &Service{secret: secret, issuer: issuer}
}

// Issue signs a credential of the given kind. A zero ttl selects the
// kind's default lifetime; any other value, including a negative one, is
// used as given. The claims' type, id, issuer and timestamps are always
// set here, overriding anything the caller put in them.
func (s *Service) Issue(kind Kind, claims Claims, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTTL(kind)
	}

	now := time.Now().UTC()
	claims.Type = kind
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify checks signature, expiry, and the type discriminator, in that
// order. A kind mismatch on an otherwise valid token is reported as
// ErrTokenTypeMismatch, never silently accepted.
func (s *Service) Verify(tokenString string, expected Kind) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrTokenInvalid
	}
	if claims.Type != expected {
		return nil, ErrTokenTypeMismatch
	}
	return claims, nil
}

// VerifyAny verifies the token against a set of acceptable kinds, used by
// the gateway which accepts both access tokens and API keys on the same
// header. The first kind is tried for error reporting purposes; the type
// check passes when the token matches any of the kinds.
func (s *Service) VerifyAny(tokenString string, kinds ...Kind) (*Claims, error) {
	if len(kinds) == 0 {
		return nil, ErrTokenTypeMismatch
	}
	claims, err := s.Verify(tokenString, kinds[0])
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, ErrTokenTypeMismatch) {
		return nil, err
	}
	for _, k := range kinds[1:] {
		if claims, err = s.Verify(tokenString, k); err == nil {
			return claims, nil
		}
	}
	return nil, ErrTokenTypeMismatch
}

// PrincipalFromClaims builds the request-scoped identity from verified
// access or API-key claims.
func PrincipalFromClaims(c *Claims) Principal {
	p := Principal{
		UserID:      c.UserID,
		TenantID:    c.TenantID,
		Role:        c.Role,
		Permissions: c.Permissions,
		SessionID:   c.SessionID,
		TokenID:     c.ID,
		TokenKind:   c.Type,
	}
	if c.ExpiresAt != nil {
		p.TokenExpiry = c.ExpiresAt.Time
	}
	return p
}
