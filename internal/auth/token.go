package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	googleuuid "github.com/google/uuid"
)

// Policy selects the lifetime of a minted session.
type Policy int

const (
	// PolicyLocal covers fresh register/login with a local password.
	PolicyLocal Policy = iota
	// PolicyOAuth covers a completed provider login.
	PolicyOAuth
)

type Claims struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	jwt.RegisteredClaims
}

// Session is a minted credential and the instant it lapses.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Denylist records revoked credential ids until they would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

type SessionManager struct {
	secret   []byte
	localTTL time.Duration
	oauthTTL time.Duration
	denylist Denylist
	now      func() time.Time
}

type Option func(*SessionManager)

func WithDenylist(d Denylist) Option {
	return func(m *SessionManager) { m.denylist = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) { m.now = now }
}

func NewSessionManager(secret []byte, localTTL, oauthTTL time.Duration, opts ...Option) *SessionManager {
	m := &SessionManager{
		secret:   secret,
		localTTL: localTTL,
		oauthTTL: oauthTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SessionManager) TTL(policy Policy) time.Duration {
	if policy == PolicyOAuth {
		return m.oauthTTL
	}
	return m.localTTL
}

func (m *SessionManager) Issue(account models.Account, policy Policy) (Session, error) {
	const op = "auth.SessionManager.Issue"

	now := m.now()
	expiresAt := now.Add(m.TTL(policy))
	claims := &Claims{
		AccountID: account.ID,
		Email:     account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        googleuuid.NewString(),
			Subject:   account.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return Session{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, algorithm and expiry. It has no side effects and
// reports every failure as false.
func (m *SessionManager) Verify(token string) (*Claims, bool) {
	if token == "" {
		return nil, false
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, false
	}
	if claims.AccountID == uuid.Nil {
		return nil, false
	}

	return claims, true
}

// Authenticate verifies token and, when a denylist is configured, rejects
// revoked credentials. Denylist failures are returned wrapped so callers can
// log them; the credential is not accepted in that case.
func (m *SessionManager) Authenticate(ctx context.Context, token string) (*Claims, error) {
	const op = "auth.SessionManager.Authenticate"

	claims, ok := m.Verify(token)
	if !ok {
		return nil, common.ErrUnauthorized
	}
	if m.denylist == nil || claims.ID == "" {
		return claims, nil
	}

	revoked, err := m.denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		return nil, common.ErrUnauthorized
	}

	return claims, nil
}

// Revoke denylists the credential for the rest of its lifetime. Without a
// denylist it is a no-op and the credential stays valid until it expires.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	const op = "auth.SessionManager.Revoke"

	if m.denylist == nil {
		return nil
	}
	claims, ok := m.Verify(token)
	if !ok || claims.ID == "" {
		return nil
	}

	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	if err := m.denylist.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
