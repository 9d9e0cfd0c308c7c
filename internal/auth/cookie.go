package auth

import (
	"net/http"
	"strings"
	"time"
)

// Cookie carries the session credential. Secure is off only for local
// development over plain http.
type Cookie struct {
	Name   string
	Secure bool
}

// Read returns the trimmed credential when the cookie is present.
func (c Cookie) Read(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie == nil {
		return "", false
	}
	value := strings.TrimSpace(cookie.Value)
	if value == "" {
		return "", false
	}
	return value, true
}

// Write sets the credential with a lifetime that mirrors its own expiry.
func (c Cookie) Write(w http.ResponseWriter, s Session, now time.Time) {
	maxAge := int(s.ExpiresAt.Sub(now).Seconds())
	if maxAge <= 0 {
		c.Clear(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    s.Token,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  s.ExpiresAt.UTC(),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear re-sets the cookie already expired.
func (c Cookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
