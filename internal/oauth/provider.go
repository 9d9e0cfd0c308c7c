// Package oauth drives authorization-code logins against external identity
// providers. Every state value carries the id of the provider that issued it,
// and the callback dispatches on that tag alone.
package oauth

import (
	"context"
	"strings"

	"github.com/dvizhhse/auth_service/internal/models"
)

type Provider interface {
	ID() string
	AuthCodeURL(state string) string
	// Exchange trades the authorization code for the user's profile. It is
	// attempted once; codes are single-use.
	Exchange(ctx context.Context, code, state string) (models.ProviderProfile, error)
	// VerifiesState reports whether the provider checks state itself, in
	// which case the CSRF cookie is not consulted.
	VerifiesState() bool
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
