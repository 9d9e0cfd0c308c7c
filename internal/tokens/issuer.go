// Package tokens mints and consumes time-boxed, single-use, purpose-scoped
// tokens. Only a SHA-256 digest of each token is stored.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gofrs/uuid"
)

// 256 bits of randomness per token.
const tokenBytes = 32

type Store interface {
	SetToken(ctx context.Context, id uuid.UUID, purpose models.TokenPurpose, digest string, expiry time.Time) error
	ConsumeToken(ctx context.Context, purpose models.TokenPurpose, digest string) (models.Account, time.Time, error)
}

type Issuer struct {
	store Store
	ttl   map[models.TokenPurpose]time.Duration
	now   func() time.Time
}

func NewIssuer(store Store, verifyTTL, resetTTL time.Duration) *Issuer {
	return &Issuer{
		store: store,
		ttl: map[models.TokenPurpose]time.Duration{
			models.PurposeEmailVerify:   verifyTTL,
			models.PurposePasswordReset: resetTTL,
		},
		now: time.Now,
	}
}

// WithClock replaces the time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue overwrites any unconsumed token of the same purpose for the account.
func (i *Issuer) Issue(ctx context.Context, accountID uuid.UUID, purpose models.TokenPurpose) (string, error) {
	const op = "tokens.Issuer.Issue"

	ttl, ok := i.ttl[purpose]
	if !ok {
		return "", fmt.Errorf("%s: unknown purpose %q", op, purpose)
	}

	token, err := auth.RandomToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := i.store.SetToken(ctx, accountID, purpose, Digest(token), i.now().Add(ttl)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// Consume returns the owning account, common.ErrNotFound for an unknown or
// already used token, or common.ErrTokenExpired. An expired token is cleared
// all the same.
func (i *Issuer) Consume(ctx context.Context, token string, purpose models.TokenPurpose) (models.Account, error) {
	const op = "tokens.Issuer.Consume"

	if token == "" {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	if _, ok := i.ttl[purpose]; !ok {
		return models.Account{}, fmt.Errorf("%s: unknown purpose %q", op, purpose)
	}

	acc, expiry, err := i.store.ConsumeToken(ctx, purpose, Digest(token))
	if err != nil {
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	if !i.now().Before(expiry) {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrTokenExpired)
	}

	return acc, nil
}

func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
