package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gofrs/uuid"
)

// MemoryStorage keeps accounts in process memory. Every method runs under one
// mutex, which gives the same uniqueness and consume-once guarantees as the
// postgres constraints. Used for local runs without a database and in tests.
type MemoryStorage struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]models.Account
	byEmail  map[string]uuid.UUID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts: make(map[uuid.UUID]models.Account),
		byEmail:  make(map[string]uuid.UUID),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (m *MemoryStorage) CreateAccount(_ context.Context, acc models.Account) (models.Account, error) {
	const op = "storage.MemoryStorage.CreateAccount"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[emailKey(acc.Email)]; ok {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrConflict)
	}
	if _, ok := m.accounts[acc.ID]; ok {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrConflict)
	}

	m.accounts[acc.ID] = acc
	m.byEmail[emailKey(acc.Email)] = acc.ID
	return acc, nil
}

func (m *MemoryStorage) GetAccountByID(_ context.Context, id uuid.UUID) (models.Account, error) {
	const op = "storage.MemoryStorage.GetAccountByID"

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	return acc, nil
}

func (m *MemoryStorage) GetAccountByEmail(_ context.Context, email string) (models.Account, error) {
	const op = "storage.MemoryStorage.GetAccountByEmail"

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[emailKey(email)]
	if !ok {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	return m.accounts[id], nil
}

func (m *MemoryStorage) ListAccounts(_ context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]models.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (m *MemoryStorage) UpsertProviderAccount(_ context.Context, profile models.ProviderProfile, at time.Time) (models.Account, error) {
	const op = "storage.MemoryStorage.UpsertProviderAccount"

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byEmail[emailKey(profile.Email)]; ok {
		acc := m.accounts[id]
		if !profile.EmailVerified && acc.LoginMethod != profile.LoginMethod {
			return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrConflict)
		}
		if profile.Name != "" {
			acc.DisplayName = profile.Name
		}
		acc.LoginMethod = profile.LoginMethod
		acc.PasswordHash = nil
		acc.LastSignedInAt = at
		m.accounts[id] = acc
		return acc, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	acc := models.Account{
		ID:             id,
		DisplayName:    profile.Name,
		Email:          profile.Email,
		LoginMethod:    profile.LoginMethod,
		Role:           models.RoleUser,
		CreatedAt:      at,
		LastSignedInAt: at,
	}
	m.accounts[id] = acc
	m.byEmail[emailKey(acc.Email)] = id
	return acc, nil
}

func (m *MemoryStorage) UpdateProfile(_ context.Context, id uuid.UUID, name, email string) (models.Account, error) {
	const op = "storage.MemoryStorage.UpdateProfile"

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}

	if emailKey(email) != emailKey(acc.Email) {
		if _, taken := m.byEmail[emailKey(email)]; taken {
			return models.Account{}, fmt.Errorf("%s: %w", op, common.ErrConflict)
		}
		delete(m.byEmail, emailKey(acc.Email))
		m.byEmail[emailKey(email)] = id
		acc.EmailVerified = false
		acc.VerificationToken = nil
		acc.VerificationExpiry = nil
	}
	acc.DisplayName = name
	acc.Email = email
	m.accounts[id] = acc
	return acc, nil
}

func (m *MemoryStorage) update(op string, id uuid.UUID, fn func(acc *models.Account) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok || !fn(&acc) {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	m.accounts[id] = acc
	return nil
}

func (m *MemoryStorage) UpdateLastSignedIn(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.update("storage.MemoryStorage.UpdateLastSignedIn", id, func(acc *models.Account) bool {
		acc.LastSignedInAt = at
		return true
	})
}

func (m *MemoryStorage) SetPasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	return m.update("storage.MemoryStorage.SetPasswordHash", id, func(acc *models.Account) bool {
		if !acc.LoginMethod.IsLocal() {
			return false
		}
		acc.PasswordHash = &hash
		acc.ResetToken = nil
		acc.ResetExpiry = nil
		return true
	})
}

func (m *MemoryStorage) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	return m.update("storage.MemoryStorage.MarkEmailVerified", id, func(acc *models.Account) bool {
		acc.EmailVerified = true
		return true
	})
}

func (m *MemoryStorage) AssignRole(_ context.Context, id uuid.UUID, role models.Role) error {
	return m.update("storage.MemoryStorage.AssignRole", id, func(acc *models.Account) bool {
		acc.Role = role
		return true
	})
}

func tokenFields(acc *models.Account, purpose models.TokenPurpose) (**string, **time.Time, error) {
	switch purpose {
	case models.PurposeEmailVerify:
		return &acc.VerificationToken, &acc.VerificationExpiry, nil
	case models.PurposePasswordReset:
		return &acc.ResetToken, &acc.ResetExpiry, nil
	}
	return nil, nil, fmt.Errorf("unknown token purpose %q", purpose)
}

func (m *MemoryStorage) SetToken(_ context.Context, id uuid.UUID, purpose models.TokenPurpose, digest string, expiry time.Time) error {
	const op = "storage.MemoryStorage.SetToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	token, exp, err := tokenFields(&acc, purpose)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	*token = &digest
	*exp = &expiry
	m.accounts[id] = acc
	return nil
}

func (m *MemoryStorage) ConsumeToken(_ context.Context, purpose models.TokenPurpose, digest string) (models.Account, time.Time, error) {
	const op = "storage.MemoryStorage.ConsumeToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, acc := range m.accounts {
		token, exp, err := tokenFields(&acc, purpose)
		if err != nil {
			return models.Account{}, time.Time{}, fmt.Errorf("%s: %w", op, err)
		}
		if *token == nil || **token != digest {
			continue
		}

		var expiry time.Time
		if *exp != nil {
			expiry = **exp
		}
		*token = nil
		*exp = nil
		m.accounts[id] = acc
		return acc, expiry, nil
	}

	return models.Account{}, time.Time{}, fmt.Errorf("%s: %w", op, common.ErrNotFound)
}

func (m *MemoryStorage) Close() {}
