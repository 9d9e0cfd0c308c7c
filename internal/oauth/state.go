package oauth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
)

const (
	// 256 bits, well above the 128-bit floor for CSRF state.
	stateNonceBytes = 32
	stateSeparator  = "."

	DefaultStateCookieName = "oauth_state"
)

var ErrInvalidState = errors.New("invalid oauth state")

// NewState returns a provider-tagged state value "<providerID>.<nonce>".
func NewState(providerID string) (string, error) {
	if providerID == "" || strings.Contains(providerID, stateSeparator) {
		return "", ErrInvalidState
	}
	nonce, err := auth.RandomToken(stateNonceBytes)
	if err != nil {
		return "", err
	}
	return providerID + stateSeparator + nonce, nil
}

// ParseState returns the provider tag of a state value.
func ParseState(state string) (string, error) {
	providerID, nonce, ok := strings.Cut(state, stateSeparator)
	if !ok || providerID == "" || nonce == "" {
		return "", ErrInvalidState
	}
	return providerID, nil
}

// StatesEqual compares two state values in constant time.
func StatesEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StateCookie round-trips the CSRF state between start and callback.
type StateCookie struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

func (c StateCookie) name() string {
	if c.Name == "" {
		return DefaultStateCookieName
	}
	return c.Name
}

func (c StateCookie) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c StateCookie) Write(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    state,
		Path:     "/",
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c StateCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
