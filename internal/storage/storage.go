package storage

import (
	"context"
	"time"

	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gofrs/uuid"
)

const accountsTable = "accounts"

// Storage persists accounts. Implementations map a duplicate email to
// common.ErrConflict and a missing row to common.ErrNotFound.
type Storage interface {

	// Accounts
	CreateAccount(ctx context.Context, account models.Account) (models.Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpsertProviderAccount(ctx context.Context, profile models.ProviderProfile, at time.Time) (models.Account, error)

	// Mutations owned by the identity subsystem
	UpdateProfile(ctx context.Context, id uuid.UUID, name, email string) (models.Account, error)
	UpdateLastSignedIn(ctx context.Context, id uuid.UUID, at time.Time) error
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	AssignRole(ctx context.Context, id uuid.UUID, role models.Role) error

	// Single-use tokens
	SetToken(ctx context.Context, id uuid.UUID, purpose models.TokenPurpose, digest string, expiry time.Time) error
	// ConsumeToken clears the token pair matching digest in one conditional
	// step and returns the owning account with the expiry the token had.
	ConsumeToken(ctx context.Context, purpose models.TokenPurpose, digest string) (models.Account, time.Time, error)

	Close()
}
