package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudlocker/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is the lifetime of an issued access token.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultIssuer is stamped into the iss claim.
	DefaultIssuer = "cloudlocker"

	minSecretLength = 32
)

var (
	ErrInvalidUserID = errors.New("userID is required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrWeakSecret    = fmt.Errorf("token secret must be at least %d bytes", minSecretLength)
)

// RevocationStore records the jti of tokens logged out before they expired.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) error
}

// Claims is the payload carried by every access token.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject the token was issued to.
func (c Claims) UserID() string {
	return c.Subject
}

// Expiry returns the expiry as a plain time, zero when unset.
func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithRevocationStore injects a custom RevocationStore implementation.
func WithRevocationStore(store RevocationStore) TokenOption {
	return func(m *TokenManager) {
		m.store = store
	}
}

// WithIssuer overrides the iss claim written and required on tokens.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithClock overrides the time source used for issuing and validating.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if now != nil {
			m.now = now
		}
	}
}

// TokenManager issues HS256 access tokens and checks them against the
// revocation store.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	store  RevocationStore
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokenManager constructs a TokenManager. The manager defaults to a 24 hour
// TTL and an in-memory revocation store when none is supplied.
func NewTokenManager(secret []byte, ttl time.Duration, opts ...TokenOption) (*TokenManager, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	manager := &TokenManager{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryRevocationStore()
	}
	manager.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(manager.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(manager.now),
	)
	return manager, nil
}

// TTL reports the lifetime applied to new tokens.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a token for user and returns it with its expiry.
func (m *TokenManager) Issue(user models.User) (string, time.Time, error) {
	if user.ID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	now := m.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Roles: append([]string(nil), user.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies the signature, issuer, and expiry of token, then rejects
// it if its jti was revoked.
func (m *TokenManager) Validate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	parsed, err := m.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	revoked, err := m.store.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke blocks the token identified by claims until it would have expired.
func (m *TokenManager) Revoke(ctx context.Context, claims Claims) error {
	if claims.ID == "" {
		return nil
	}
	expiresAt := claims.Expiry()
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(m.ttl)
	}
	return m.store.Revoke(ctx, claims.ID, expiresAt.UTC())
}

// PurgeExpired removes revocations for tokens that have expired on their own.
func (m *TokenManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now().UTC())
}

// Ping verifies the revocation store is reachable when it exposes a ping method.
func (m *TokenManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close releases the revocation store when it holds connections.
func (m *TokenManager) Close(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if closer, ok := m.store.(interface{ Close(context.Context) error }); ok {
		return closer.Close(ctx)
	}
	return nil
}
