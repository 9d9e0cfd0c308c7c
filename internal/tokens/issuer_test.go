package tokens

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/dvizhhse/auth_service/internal/storage"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *storage.MemoryStorage
	issuer *Issuer
	now    time.Time
	acc    models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStorage(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.issuer = NewIssuer(f.store, 24*time.Hour, time.Hour).WithClock(func() time.Time { return f.now })

	hash := "hash"
	acc, err := f.store.CreateAccount(context.Background(), models.Account{
		ID:           uuid.Must(uuid.NewV4()),
		Email:        "ann@x.com",
		PasswordHash: &hash,
		LoginMethod:  models.LoginMethodLocal,
		Role:         models.RoleUser,
	})
	require.NoError(t, err)
	f.acc = acc
	return f
}

func TestIssue_StoresDigestAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposeEmailVerify)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	acc, err := f.store.GetAccountByID(ctx, f.acc.ID)
	require.NoError(t, err)
	require.NotNil(t, acc.VerificationToken)
	assert.Equal(t, Digest(tok), *acc.VerificationToken)
	assert.NotEqual(t, tok, *acc.VerificationToken, "raw token is never stored")
	require.NotNil(t, acc.VerificationExpiry)
	assert.Equal(t, f.now.Add(24*time.Hour), *acc.VerificationExpiry)

	_, err = f.issuer.Issue(ctx, f.acc.ID, models.PurposePasswordReset)
	require.NoError(t, err)
	acc, err = f.store.GetAccountByID(ctx, f.acc.ID)
	require.NoError(t, err)
	require.NotNil(t, acc.ResetExpiry)
	assert.Equal(t, f.now.Add(time.Hour), *acc.ResetExpiry)
}

func TestConsume_SingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposePasswordReset)
	require.NoError(t, err)

	acc, err := f.issuer.Consume(ctx, tok, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, f.acc.ID, acc.ID)

	_, err = f.issuer.Consume(ctx, tok, models.PurposePasswordReset)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestConsume_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposePasswordReset)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.issuer.Consume(ctx, tok, models.PurposePasswordReset)
	assert.ErrorIs(t, err, common.ErrTokenExpired)

	_, err = f.issuer.Consume(ctx, tok, models.PurposePasswordReset)
	assert.ErrorIs(t, err, common.ErrNotFound, "expired token is cleared on first presentation")
}

func TestConsume_PurposesNotInterchangeable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reset, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposePasswordReset)
	require.NoError(t, err)
	verify, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposeEmailVerify)
	require.NoError(t, err)

	_, err = f.issuer.Consume(ctx, reset, models.PurposeEmailVerify)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.issuer.Consume(ctx, verify, models.PurposePasswordReset)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.issuer.Consume(ctx, reset, models.PurposePasswordReset)
	assert.NoError(t, err)
	_, err = f.issuer.Consume(ctx, verify, models.PurposeEmailVerify)
	assert.NoError(t, err)
}

func TestIssue_OverwritesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposeEmailVerify)
	require.NoError(t, err)
	second, err := f.issuer.Issue(ctx, f.acc.ID, models.PurposeEmailVerify)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = f.issuer.Consume(ctx, first, models.PurposeEmailVerify)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.issuer.Consume(ctx, second, models.PurposeEmailVerify)
	assert.NoError(t, err)
}

func TestConsume_EmptyAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.issuer.Consume(ctx, "", models.PurposeEmailVerify)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.issuer.Consume(ctx, "never-issued", models.PurposeEmailVerify)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.issuer.Issue(ctx, f.acc.ID, models.TokenPurpose("magic"))
	assert.Error(t, err)
}
