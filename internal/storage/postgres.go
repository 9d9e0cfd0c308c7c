package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// DB is the part of *pgxpool.Pool the storage uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

type PostgresStorage struct {
	db DB
}

func NewPostgresStorage(ctx context.Context, DbURL string) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	conn, err := pgxpool.Connect(ctx, DbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{
		db: conn,
	}, nil
}

func NewPostgresStorageWithDB(db DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

var accountColumns = []string{
	"id", "display_name", "email", "password_hash", "login_method",
	"role", "email_verified", "created_at", "last_signed_in_at",
}

func columns(prefix string) string {
	if prefix == "" {
		return strings.Join(accountColumns, ", ")
	}
	cols := make([]string, len(accountColumns))
	for i, c := range accountColumns {
		cols[i] = prefix + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanAccount(row pgx.Row, extra ...interface{}) (models.Account, error) {
	var (
		acc         models.Account
		loginMethod string
		role        string
	)
	dest := []interface{}{
		&acc.ID, &acc.DisplayName, &acc.Email, &acc.PasswordHash, &loginMethod,
		&role, &acc.EmailVerified, &acc.CreatedAt, &acc.LastSignedInAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Account{}, err
	}
	acc.LoginMethod = models.LoginMethod(loginMethod)
	acc.Role = models.Role(role)
	return acc, nil
}

func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, common.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func tokenColumns(purpose models.TokenPurpose) (string, string, error) {
	switch purpose {
	case models.PurposeEmailVerify:
		return "verification_token", "verification_expiry", nil
	case models.PurposePasswordReset:
		return "reset_token", "reset_expiry", nil
	}
	return "", "", fmt.Errorf("unknown token purpose %q", purpose)
}

func (p *PostgresStorage) CreateAccount(ctx context.Context, acc models.Account) (models.Account, error) {
	const op = "storage.CreateAccount"

	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`, accountsTable, columns(""))

	_, err := p.db.Exec(ctx, query,
		acc.ID, acc.DisplayName, acc.Email, acc.PasswordHash, string(acc.LoginMethod),
		string(acc.Role), acc.EmailVerified, acc.CreatedAt, acc.LastSignedInAt,
	)
	if err != nil {
		return models.Account{}, mapError(op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) GetAccountByID(ctx context.Context, id uuid.UUID) (models.Account, error) {
	const op = "storage.GetAccountByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1;", columns(""), accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, id))
	if err != nil {
		return models.Account{}, mapError(op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	const op = "storage.GetAccountByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE lower(email)=lower($1);", columns(""), accountsTable)

	acc, err := scanAccount(p.db.QueryRow(ctx, query, email))
	if err != nil {
		return models.Account{}, mapError(op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const op = "storage.ListAccounts"

	var accounts []models.Account
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at;", columns(""), accountsTable)

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return accounts, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, fmt.Errorf("%s: %w", op, err)
		}

		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s (rows): %w", op, err)
	}

	return accounts, nil
}

// UpsertProviderAccount creates the account on first provider login, or
// refreshes name, login method and sign-in time. Moving an account to a
// provider login drops its local password hash. The verified flag is left to
// email verification. An existing account under another login method is only
// taken over when the provider vouches for the address; otherwise the result
// is common.ErrConflict.
func (p *PostgresStorage) UpsertProviderAccount(ctx context.Context, profile models.ProviderProfile, at time.Time) (models.Account, error) {
	const op = "storage.UpsertProviderAccount"

	id, err := uuid.NewV4()
	if err != nil {
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s(%[2]s)
	VALUES ($1, $2, $3, NULL, $4, 'user', FALSE, $5, $5)
	ON CONFLICT ((lower(email))) DO UPDATE SET
		display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE %[1]s.display_name END,
		login_method = EXCLUDED.login_method,
		password_hash = NULL,
		last_signed_in_at = EXCLUDED.last_signed_in_at
	WHERE $6::boolean OR %[1]s.login_method = EXCLUDED.login_method
	RETURNING %[2]s;`, accountsTable, columns(""))

	acc, err := scanAccount(p.db.QueryRow(ctx, query,
		id, profile.Name, profile.Email, string(profile.LoginMethod), at, profile.EmailVerified,
	))
	if err != nil {
		// The conflict row was kept as is, so nothing was returned.
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrConflict)
		}
		return models.Account{}, mapError(op, err)
	}

	return acc, nil
}

// UpdateProfile changes name and email. A changed address loses its verified
// flag and any verification token issued for the previous address.
func (p *PostgresStorage) UpdateProfile(ctx context.Context, id uuid.UUID, name, email string) (models.Account, error) {
	const op = "storage.UpdateProfile"

	query := fmt.Sprintf(`
	UPDATE %s SET
		display_name = $2,
		email = $3,
		email_verified = CASE WHEN lower(email) = lower($3) THEN email_verified ELSE FALSE END,
		verification_token = CASE WHEN lower(email) = lower($3) THEN verification_token ELSE NULL END,
		verification_expiry = CASE WHEN lower(email) = lower($3) THEN verification_expiry ELSE NULL END
	WHERE id = $1
	RETURNING %s;`, accountsTable, columns(""))

	acc, err := scanAccount(p.db.QueryRow(ctx, query, id, name, email))
	if err != nil {
		return models.Account{}, mapError(op, err)
	}

	return acc, nil
}

func (p *PostgresStorage) exec(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	return nil
}

func (p *PostgresStorage) UpdateLastSignedIn(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "storage.UpdateLastSignedIn"

	query := fmt.Sprintf("UPDATE %s SET last_signed_in_at=$2 WHERE id=$1", accountsTable)
	return p.exec(ctx, op, query, id, at)
}

// SetPasswordHash only touches local accounts and drops any outstanding reset
// token.
func (p *PostgresStorage) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	const op = "storage.SetPasswordHash"

	query := fmt.Sprintf(`UPDATE %s SET password_hash=$2, reset_token=NULL, reset_expiry=NULL
	WHERE id=$1 AND login_method='local'`, accountsTable)
	return p.exec(ctx, op, query, id, hash)
}

func (p *PostgresStorage) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	const op = "storage.MarkEmailVerified"

	query := fmt.Sprintf("UPDATE %s SET email_verified=TRUE WHERE id=$1", accountsTable)
	return p.exec(ctx, op, query, id)
}

func (p *PostgresStorage) AssignRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	const op = "storage.AssignRole"

	query := fmt.Sprintf("UPDATE %s SET role=$2 WHERE id=$1", accountsTable)
	return p.exec(ctx, op, query, id, string(role))
}

func (p *PostgresStorage) SetToken(ctx context.Context, id uuid.UUID, purpose models.TokenPurpose, digest string, expiry time.Time) error {
	const op = "storage.SetToken"

	tokenCol, expiryCol, err := tokenColumns(purpose)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf("UPDATE %s SET %s=$2, %s=$3 WHERE id=$1", accountsTable, tokenCol, expiryCol)
	return p.exec(ctx, op, query, id, digest, expiry)
}

// ConsumeToken locks the matching row, clears the pair and returns the expiry
// it held. A concurrent consumer of the same token re-checks the row after
// the lock is released, finds the token gone and gets ErrNotFound.
func (p *PostgresStorage) ConsumeToken(ctx context.Context, purpose models.TokenPurpose, digest string) (models.Account, time.Time, error) {
	const op = "storage.ConsumeToken"

	tokenCol, expiryCol, err := tokenColumns(purpose)
	if err != nil {
		return models.Account{}, time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf(`
	WITH target AS (
		SELECT id, %[3]s AS expiry FROM %[1]s WHERE %[2]s = $1 FOR UPDATE
	)
	UPDATE %[1]s AS a SET %[2]s = NULL, %[3]s = NULL
	FROM target
	WHERE a.id = target.id AND a.%[2]s = $1
	RETURNING %[4]s, target.expiry;`, accountsTable, tokenCol, expiryCol, columns("a"))

	var expiry time.Time
	acc, err := scanAccount(p.db.QueryRow(ctx, query, digest), &expiry)
	if err != nil {
		return models.Account{}, time.Time{}, mapError(op, err)
	}

	return acc, expiry, nil
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}
