package models

import (
	"time"

	"github.com/gofrs/uuid"
)

type LoginMethod string

const LoginMethodLocal LoginMethod = "local"

func (m LoginMethod) IsLocal() bool {
	return m == LoginMethodLocal
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// TokenPurpose scopes a single-use token. Tokens of one purpose never
// validate against another.
type TokenPurpose string

const (
	PurposeEmailVerify   TokenPurpose = "email_verify"
	PurposePasswordReset TokenPurpose = "password_reset"
)

// Account is one persisted identity. Token fields hold digests of the issued
// tokens and are never serialized.
type Account struct {
	ID             uuid.UUID   `json:"id"`
	DisplayName    string      `json:"name"`
	Email          string      `json:"email"`
	PasswordHash   *string     `json:"-"`
	LoginMethod    LoginMethod `json:"loginMethod"`
	Role           Role        `json:"role"`
	EmailVerified  bool        `json:"emailVerified"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastSignedInAt time.Time   `json:"lastSignedInAt"`

	VerificationToken  *string    `json:"-"`
	VerificationExpiry *time.Time `json:"-"`
	ResetToken         *string    `json:"-"`
	ResetExpiry        *time.Time `json:"-"`
}

// HasPassword reports whether the account can sign in with a local password.
func (a Account) HasPassword() bool {
	return a.LoginMethod.IsLocal() && a.PasswordHash != nil && *a.PasswordHash != ""
}

// ProviderProfile is the normalized identity returned by any OAuth provider.
type ProviderProfile struct {
	ExternalID    string
	Name          string
	Email         string
	EmailVerified bool
	LoginMethod   LoginMethod
}
