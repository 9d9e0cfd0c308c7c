package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	googleuuid "github.com/google/uuid"
)

// MsgEmailNotVerifiedByProvider is returned when a provider login would take
// over an account it cannot prove the address for.
const MsgEmailNotVerifiedByProvider = "an account with this email already exists; sign in with it or verify the email with the provider"

// AccountStore returns common.ErrConflict when an unverified profile matches
// an account under another login method.
type AccountStore interface {
	UpsertProviderAccount(ctx context.Context, profile models.ProviderProfile, at time.Time) (models.Account, error)
}

type SessionIssuer interface {
	Issue(account models.Account, policy auth.Policy) (auth.Session, error)
}

// Result is a completed provider login.
type Result struct {
	Account models.Account
	Session auth.Session
}

// ExchangeError is what the caller sees when a provider exchange fails. The
// provider's detail stays in Err and in the server log.
type ExchangeError struct {
	Provider      string
	CorrelationID string
	Err           error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("sign-in with %s failed", e.Provider)
}

func (e *ExchangeError) Unwrap() []error {
	return []error{common.ErrInternal, e.Err}
}

type Orchestrator struct {
	log       *slog.Logger
	providers map[string]Provider
	store     AccountStore
	sessions  SessionIssuer
	now       func() time.Time
}

func NewOrchestrator(log *slog.Logger, store AccountStore, sessions SessionIssuer, providers ...Provider) *Orchestrator {
	o := &Orchestrator{
		log:       log,
		providers: make(map[string]Provider, len(providers)),
		store:     store,
		sessions:  sessions,
		now:       time.Now,
	}
	for _, p := range providers {
		o.providers[p.ID()] = p
	}
	return o
}

// Providers lists the configured provider ids in stable order.
func (o *Orchestrator) Providers() []string {
	ids := make([]string, 0, len(o.providers))
	for id := range o.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start returns the provider authorization URL and the state the caller must
// round-trip through the CSRF cookie.
func (o *Orchestrator) Start(providerID string) (string, string, error) {
	const op = "oauth.Orchestrator.Start"

	p, ok := o.providers[providerID]
	if !ok {
		return "", "", common.NewError(common.ErrValidation, "unknown provider")
	}

	state, err := NewState(p.ID())
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	return p.AuthCodeURL(state), state, nil
}

// Callback completes a login. cookieState is the value held in the CSRF
// cookie, empty when the cookie was absent.
func (o *Orchestrator) Callback(ctx context.Context, code, state, cookieState string) (Result, error) {
	const op = "oauth.Orchestrator.Callback"

	log := o.log.With(slog.String("op", op))

	if code == "" || state == "" {
		return Result{}, common.NewError(common.ErrValidation, "missing code or state")
	}

	providerID, err := ParseState(state)
	if err != nil {
		return Result{}, common.NewError(common.ErrValidation, ErrInvalidState.Error())
	}
	p, ok := o.providers[providerID]
	if !ok {
		return Result{}, common.NewError(common.ErrValidation, ErrInvalidState.Error())
	}
	if !p.VerifiesState() && !StatesEqual(state, cookieState) {
		log.Warn("state mismatch", slog.String("provider", providerID), slog.Bool("cookie_present", cookieState != ""))
		return Result{}, common.NewError(common.ErrValidation, ErrInvalidState.Error())
	}

	profile, err := p.Exchange(ctx, code, state)
	if err != nil {
		exErr := &ExchangeError{Provider: providerID, CorrelationID: googleuuid.NewString(), Err: err}
		log.Error("provider exchange failed",
			slog.String("provider", providerID),
			slog.String("correlation_id", exErr.CorrelationID),
			slog.Any("error", err),
		)
		return Result{}, exErr
	}

	profile.Email = normalizeEmail(profile.Email)
	if profile.Email == "" {
		exErr := &ExchangeError{Provider: providerID, CorrelationID: googleuuid.NewString(), Err: errNoEmail}
		log.Error("provider profile without email",
			slog.String("provider", providerID),
			slog.String("correlation_id", exErr.CorrelationID),
		)
		return Result{}, exErr
	}
	if profile.LoginMethod == "" || profile.LoginMethod.IsLocal() {
		profile.LoginMethod = models.LoginMethod(providerID)
	}

	account, err := o.store.UpsertProviderAccount(ctx, profile, o.now().UTC())
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			log.Warn("unverified provider email matches an existing account",
				slog.String("provider", providerID),
				slog.Bool("email_verified", profile.EmailVerified),
			)
			return Result{}, common.NewError(common.ErrConflict, MsgEmailNotVerifiedByProvider)
		}
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	session, err := o.sessions.Issue(account, auth.PolicyOAuth)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("provider login", slog.String("provider", providerID), slog.String("account_id", account.ID.String()))
	return Result{Account: account, Session: session}, nil
}
