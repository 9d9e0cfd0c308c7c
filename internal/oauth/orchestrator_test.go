package oauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/dvizhhse/auth_service/internal/storage"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	id       string
	verifies bool
	profile  models.ProviderProfile
	err      error
	calls    int
}

func (p *stubProvider) ID() string                      { return p.id }
func (p *stubProvider) VerifiesState() bool             { return p.verifies }
func (p *stubProvider) AuthCodeURL(state string) string { return "https://idp.example/auth?state=" + state }

func (p *stubProvider) Exchange(_ context.Context, _, _ string) (models.ProviderProfile, error) {
	p.calls++
	return p.profile, p.err
}

type orchestratorFixture struct {
	store    *storage.MemoryStorage
	sessions *auth.SessionManager
	o        *Orchestrator
	direct   *stubProvider
	trusted  *stubProvider
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	direct := &stubProvider{id: "google", profile: models.ProviderProfile{
		ExternalID: "g-1", Name: "Ann", Email: "Ann@X.com", EmailVerified: true, LoginMethod: "google",
	}}
	trusted := &stubProvider{id: "portal", verifies: true, profile: models.ProviderProfile{
		ExternalID: "p-1", Name: "Bob", Email: "bob@x.com",
	}}
	f := &orchestratorFixture{
		store:    storage.NewMemoryStorage(),
		sessions: auth.NewSessionManager([]byte("test-secret"), 7*24*time.Hour, 365*24*time.Hour),
		direct:   direct,
		trusted:  trusted,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.o = NewOrchestrator(log, f.store, f.sessions, f.direct, f.trusted)
	return f
}

func (f *orchestratorFixture) accounts(t *testing.T) []models.Account {
	t.Helper()
	accounts, err := f.store.ListAccounts(context.Background())
	require.NoError(t, err)
	return accounts
}

func TestOrchestrator_Start(t *testing.T) {
	f := newOrchestratorFixture(t)

	authURL, state, err := f.o.Start("google")
	require.NoError(t, err)
	providerID, err := ParseState(state)
	require.NoError(t, err)
	assert.Equal(t, "google", providerID)
	assert.Contains(t, authURL, state)

	_, _, err = f.o.Start("myspace")
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.Equal(t, []string{"google", "portal"}, f.o.Providers())
}

func TestOrchestrator_Callback_DirectProvider(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	_, state, err := f.o.Start("google")
	require.NoError(t, err)

	res, err := f.o.Callback(ctx, "code-1", state, state)
	require.NoError(t, err)
	assert.Equal(t, "ann@x.com", res.Account.Email)
	assert.Equal(t, models.LoginMethod("google"), res.Account.LoginMethod)
	assert.Nil(t, res.Account.PasswordHash)
	assert.False(t, res.Account.EmailVerified, "only email verification sets the flag")

	claims, ok := f.sessions.Verify(res.Session.Token)
	require.True(t, ok)
	assert.Equal(t, res.Account.ID, claims.AccountID)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), res.Session.ExpiresAt, time.Minute)
}

func TestOrchestrator_Callback_MissingInput(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.o.Callback(context.Background(), "", "google.n", "google.n")
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.o.Callback(context.Background(), "code", "", "")
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Zero(t, f.direct.calls)
}

func TestOrchestrator_Callback_UnknownTag(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.o.Callback(context.Background(), "code", "myspace.n", "myspace.n")
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.o.Callback(context.Background(), "code", "untagged", "untagged")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestOrchestrator_Callback_DirectStateMismatch(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, state, err := f.o.Start("google")
	require.NoError(t, err)

	_, err = f.o.Callback(context.Background(), "code", state, "google.other")
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.o.Callback(context.Background(), "code", state, "")
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.Zero(t, f.direct.calls, "mismatched state never reaches the provider")
	assert.Empty(t, f.accounts(t))
}

func TestOrchestrator_Callback_ReplayWithSpentCode(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.trusted.err = errors.New("invalid_grant: code already used")

	_, state, err := f.o.Start("portal")
	require.NoError(t, err)

	res, err := f.o.Callback(context.Background(), "spent", state, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInternal)

	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.NotEmpty(t, exErr.CorrelationID)
	assert.Equal(t, "portal", exErr.Provider)
	assert.NotContains(t, exErr.Error(), "invalid_grant")

	assert.Equal(t, 1, f.trusted.calls)
	assert.Empty(t, res.Session.Token)
	assert.Empty(t, f.accounts(t))
}

func TestOrchestrator_Callback_TrustedProvider(t *testing.T) {
	f := newOrchestratorFixture(t)

	res, err := f.o.Callback(context.Background(), "code", "portal.n", "")
	require.NoError(t, err)
	assert.Equal(t, "bob@x.com", res.Account.Email)
	assert.Equal(t, models.LoginMethod("portal"), res.Account.LoginMethod, "missing login method falls back to provider id")
	assert.NotEmpty(t, res.Session.Token)
}

func TestOrchestrator_Callback_ProviderCannotClaimLocal(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.trusted.profile.LoginMethod = models.LoginMethodLocal

	res, err := f.o.Callback(context.Background(), "code", "portal.n", "")
	require.NoError(t, err)
	assert.Equal(t, models.LoginMethod("portal"), res.Account.LoginMethod)
	assert.Nil(t, res.Account.PasswordHash)
}

func TestOrchestrator_Callback_UpsertsExisting(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	first, err := f.o.Callback(ctx, "c1", "google.n", "google.n")
	require.NoError(t, err)

	f.direct.profile.Name = "Annie"
	second, err := f.o.Callback(ctx, "c2", "google.m", "google.m")
	require.NoError(t, err)

	assert.Equal(t, first.Account.ID, second.Account.ID)
	assert.Equal(t, "Annie", second.Account.DisplayName)
	assert.Len(t, f.accounts(t), 1)
}

func (f *orchestratorFixture) localAccount(t *testing.T, email string) models.Account {
	t.Helper()
	hash, err := auth.HashPassword("secret1")
	require.NoError(t, err)
	now := time.Now().UTC()
	acc, err := f.store.CreateAccount(context.Background(), models.Account{
		ID:             uuid.Must(uuid.NewV4()),
		DisplayName:    "Ann",
		Email:          email,
		PasswordHash:   &hash,
		LoginMethod:    models.LoginMethodLocal,
		Role:           models.RoleUser,
		CreatedAt:      now,
		LastSignedInAt: now,
	})
	require.NoError(t, err)
	return acc
}

func TestOrchestrator_Callback_DoesNotVerifyExistingEmail(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	local := f.localAccount(t, "ann@x.com")
	require.False(t, local.EmailVerified)

	res, err := f.o.Callback(ctx, "code", "google.n", "google.n")
	require.NoError(t, err)
	assert.Equal(t, local.ID, res.Account.ID)

	stored, err := f.store.GetAccountByID(ctx, local.ID)
	require.NoError(t, err)
	assert.False(t, stored.EmailVerified)
}

func TestOrchestrator_Callback_UnverifiedEmailCannotTakeOverAccount(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	local := f.localAccount(t, "ann@x.com")
	f.direct.profile.EmailVerified = false

	res, err := f.o.Callback(ctx, "code", "google.n", "google.n")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, MsgEmailNotVerifiedByProvider, common.Message(err, ""))
	assert.Empty(t, res.Session.Token)

	stored, err := f.store.GetAccountByID(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoginMethodLocal, stored.LoginMethod)
	require.True(t, stored.HasPassword())
	assert.True(t, auth.CheckPassword("secret1", *stored.PasswordHash))
}

func TestOrchestrator_Callback_UnverifiedEmailSignsBackIn(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	f.direct.profile.EmailVerified = false

	first, err := f.o.Callback(ctx, "c1", "google.n", "google.n")
	require.NoError(t, err)
	second, err := f.o.Callback(ctx, "c2", "google.m", "google.m")
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, second.Account.ID)
}
