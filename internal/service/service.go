package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/mail"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/dvizhhse/auth_service/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
)

const (
	MsgInvalidCredentials = "invalid email or password"
	MsgInvalidToken       = "invalid or expired token"
	MsgResetRequested     = "if an account with that email exists, a password reset link has been sent"
)

type Service interface {
	Register(ctx context.Context, name, email, password string) (models.Account, auth.Session, error)
	Login(ctx context.Context, email, password string) (models.Account, auth.Session, error)
	Logout(ctx context.Context, credential string) error
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, token string) error
	ResendVerificationEmail(ctx context.Context, accountID uuid.UUID) error
	ChangePassword(ctx context.Context, accountID uuid.UUID, current, newPassword string) error
	UpdateProfile(ctx context.Context, accountID uuid.UUID, name, email *string) (models.Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	AssignRole(ctx context.Context, accountID uuid.UUID, role models.Role) error
}

type TokenIssuer interface {
	Issue(ctx context.Context, accountID uuid.UUID, purpose models.TokenPurpose) (string, error)
	Consume(ctx context.Context, token string, purpose models.TokenPurpose) (models.Account, error)
}

type Sessions interface {
	Issue(account models.Account, policy auth.Policy) (auth.Session, error)
	Revoke(ctx context.Context, token string) error
}

type service struct {
	log      *slog.Logger
	storage  storage.Storage
	tokens   TokenIssuer
	sessions Sessions
	mailer   mail.Mailer
	links    mail.Links
	now      func() time.Time
}

func NewService(log *slog.Logger, st storage.Storage, tokens TokenIssuer, sessions Sessions, mailer mail.Mailer, links mail.Links) *service {
	return &service{
		log:      log,
		storage:  st,
		tokens:   tokens,
		sessions: sessions,
		mailer:   mailer,
		links:    links,
		now:      time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validate applies the same rules gin's binding tags use at the HTTP edge.
var validate = validator.New()

func validateEmail(email string) error {
	if email == "" {
		return common.NewError(common.ErrValidation, "email is required")
	}
	if err := validate.Var(email, "email"); err != nil {
		return common.NewError(common.ErrValidation, "invalid email")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < auth.MinPasswordLength {
		return common.NewError(common.ErrValidation, fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength))
	}
	if len(password) > auth.MaxPasswordLength {
		return common.NewError(common.ErrValidation, fmt.Sprintf("password must be at most %d bytes", auth.MaxPasswordLength))
	}
	return nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnPasswordCheck spends the same bcrypt work as a real check so unknown
// emails are not distinguishable by response time.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = auth.HashPassword("not-a-real-password")
	})
	auth.CheckPassword(password, dummyHash)
}

func (s *service) Register(ctx context.Context, name, email, password string) (models.Account, auth.Session, error) {
	const op = "service.Register"

	log := s.log.With(slog.String("op", op))

	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return models.Account{}, auth.Session{}, common.NewError(common.ErrValidation, "name is required")
	}
	if err := validateEmail(email); err != nil {
		return models.Account{}, auth.Session{}, err
	}
	if err := validatePassword(password); err != nil {
		return models.Account{}, auth.Session{}, err
	}

	_, err := s.storage.GetAccountByEmail(ctx, email)
	switch {
	case err == nil:
		return models.Account{}, auth.Session{}, common.NewError(common.ErrConflict, "email already registered")
	case !errors.Is(err, common.ErrNotFound):
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()
	acc, err := s.storage.CreateAccount(ctx, models.Account{
		ID:             id,
		DisplayName:    name,
		Email:          email,
		PasswordHash:   &hash,
		LoginMethod:    models.LoginMethodLocal,
		Role:           models.RoleUser,
		CreatedAt:      now,
		LastSignedInAt: now,
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return models.Account{}, auth.Session{}, common.NewError(common.ErrConflict, "email already registered")
		}
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	// The account exists from here on; a failed verification mail can be
	// resent later and must not fail the registration.
	if err := s.sendVerification(ctx, acc); err != nil {
		log.Error("failed to send verification email", slog.String("account_id", acc.ID.String()), slog.Any("error", err))
	}

	session, err := s.sessions.Issue(acc, auth.PolicyLocal)
	if err != nil {
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account registered", slog.String("account_id", acc.ID.String()))
	return acc, session, nil
}

func (s *service) sendVerification(ctx context.Context, acc models.Account) error {
	token, err := s.tokens.Issue(ctx, acc.ID, models.PurposeEmailVerify)
	if err != nil {
		return err
	}
	return s.mailer.SendVerification(ctx, acc.Email, acc.DisplayName, s.links.Verify(token))
}

func (s *service) Login(ctx context.Context, email, password string) (models.Account, auth.Session, error) {
	const op = "service.Login"

	log := s.log.With(slog.String("op", op))
	invalid := common.NewError(common.ErrUnauthorized, MsgInvalidCredentials)

	acc, err := s.storage.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			burnPasswordCheck(password)
			log.Debug("login failed", slog.String("reason", "unknown email"))
			return models.Account{}, auth.Session{}, invalid
		}
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if !acc.HasPassword() {
		burnPasswordCheck(password)
		log.Debug("login failed", slog.String("reason", "no local password"), slog.String("account_id", acc.ID.String()))
		return models.Account{}, auth.Session{}, invalid
	}
	if !auth.CheckPassword(password, *acc.PasswordHash) {
		log.Debug("login failed", slog.String("reason", "wrong password"), slog.String("account_id", acc.ID.String()))
		return models.Account{}, auth.Session{}, invalid
	}

	now := s.now().UTC()
	if err := s.storage.UpdateLastSignedIn(ctx, acc.ID, now); err != nil {
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	acc.LastSignedInAt = now

	session, err := s.sessions.Issue(acc, auth.PolicyLocal)
	if err != nil {
		return models.Account{}, auth.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return acc, session, nil
}

// Logout revokes the credential when a denylist is configured. Clearing the
// cookie is the transport's job.
func (s *service) Logout(ctx context.Context, credential string) error {
	const op = "service.Logout"

	if credential == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, credential); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	const op = "service.RequestPasswordReset"

	log := s.log.With(slog.String("op", op))

	acc, err := s.storage.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Debug("reset skipped", slog.String("reason", "unknown email"))
			return MsgResetRequested, nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !acc.HasPassword() {
		log.Debug("reset skipped", slog.String("reason", "no local password"), slog.String("account_id", acc.ID.String()))
		return MsgResetRequested, nil
	}

	token, err := s.tokens.Issue(ctx, acc.ID, models.PurposePasswordReset)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.mailer.SendPasswordReset(ctx, acc.Email, acc.DisplayName, s.links.PasswordReset(token)); err != nil {
		log.Error("failed to send password reset email", slog.String("account_id", acc.ID.String()), slog.Any("error", err))
	}

	return MsgResetRequested, nil
}

// consume maps token lookup failures onto one caller-facing message while
// keeping the cause in the log.
func (s *service) consume(ctx context.Context, log *slog.Logger, token string, purpose models.TokenPurpose) (models.Account, error) {
	acc, err := s.tokens.Consume(ctx, token, purpose)
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, common.ErrNotFound):
		log.Info("token rejected", slog.String("purpose", string(purpose)), slog.String("reason", "not found"))
	case errors.Is(err, common.ErrTokenExpired):
		log.Info("token rejected", slog.String("purpose", string(purpose)), slog.String("reason", "expired"))
	default:
		return models.Account{}, err
	}
	return models.Account{}, common.NewError(common.ErrBadRequest, MsgInvalidToken)
}

func (s *service) ResetPassword(ctx context.Context, token, newPassword string) error {
	const op = "service.ResetPassword"

	log := s.log.With(slog.String("op", op))

	if err := validatePassword(newPassword); err != nil {
		return err
	}

	acc, err := s.consume(ctx, log, token, models.PurposePasswordReset)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !acc.LoginMethod.IsLocal() {
		return common.NewError(common.ErrBadRequest,
			fmt.Sprintf("this account signs in with %s; there is no password to reset", acc.LoginMethod))
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.storage.SetPasswordHash(ctx, acc.ID, hash); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.NewError(common.ErrBadRequest, MsgInvalidToken)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password reset", slog.String("account_id", acc.ID.String()))
	return nil
}

func (s *service) VerifyEmail(ctx context.Context, token string) error {
	const op = "service.VerifyEmail"

	log := s.log.With(slog.String("op", op))

	acc, err := s.consume(ctx, log, token, models.PurposeEmailVerify)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.storage.MarkEmailVerified(ctx, acc.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("email verified", slog.String("account_id", acc.ID.String()))
	return nil
}

func (s *service) ResendVerificationEmail(ctx context.Context, accountID uuid.UUID) error {
	const op = "service.ResendVerificationEmail"

	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.EmailVerified {
		return common.NewError(common.ErrBadRequest, "email already verified")
	}

	if err := s.sendVerification(ctx, acc); err != nil {
		return fmt.Errorf("%s: %w: %w", op, common.ErrInternal, err)
	}
	return nil
}

func (s *service) ChangePassword(ctx context.Context, accountID uuid.UUID, current, newPassword string) error {
	const op = "service.ChangePassword"

	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.LoginMethod.IsLocal() {
		return common.NewError(common.ErrBadRequest,
			fmt.Sprintf("this account signs in with %s and has no password", acc.LoginMethod))
	}
	if !acc.HasPassword() {
		return common.NewError(common.ErrBadRequest, "no password is set for this account")
	}
	if !auth.CheckPassword(current, *acc.PasswordHash) {
		return common.NewError(common.ErrBadRequest, "current password is incorrect")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.storage.SetPasswordHash(ctx, acc.ID, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *service) UpdateProfile(ctx context.Context, accountID uuid.UUID, name, email *string) (models.Account, error) {
	const op = "service.UpdateProfile"

	log := s.log.With(slog.String("op", op))

	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}

	newName, newEmail := acc.DisplayName, acc.Email
	if name != nil {
		newName = strings.TrimSpace(*name)
		if newName == "" {
			return models.Account{}, common.NewError(common.ErrValidation, "name must not be empty")
		}
	}
	if email != nil {
		newEmail = normalizeEmail(*email)
		if err := validateEmail(newEmail); err != nil {
			return models.Account{}, err
		}
	}
	if newName == acc.DisplayName && newEmail == acc.Email {
		return acc, nil
	}

	updated, err := s.storage.UpdateProfile(ctx, acc.ID, newName, newEmail)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return models.Account{}, common.NewError(common.ErrBadRequest, "email is already in use by another account")
		}
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	if updated.Email != acc.Email {
		if err := s.sendVerification(ctx, updated); err != nil {
			log.Error("failed to send verification email", slog.String("account_id", updated.ID.String()), slog.Any("error", err))
		}
	}

	return updated, nil
}

func (s *service) GetAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error) {
	const op = "service.GetAccount"

	acc, err := s.storage.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return models.Account{}, common.NewError(common.ErrNotFound, "account not found")
		}
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return acc, nil
}

func (s *service) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const op = "service.ListAccounts"

	accounts, err := s.storage.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return accounts, nil
}

func (s *service) AssignRole(ctx context.Context, accountID uuid.UUID, role models.Role) error {
	const op = "service.AssignRole"

	if !role.Valid() {
		return common.NewError(common.ErrValidation, "role must be user or admin")
	}
	if err := s.storage.AssignRole(ctx, accountID, role); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.NewError(common.ErrNotFound, "account not found")
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("role assigned", slog.String("op", op), slog.String("account_id", accountID.String()), slog.String("role", string(role)))
	return nil
}
