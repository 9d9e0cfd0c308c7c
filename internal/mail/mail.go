// Package mail hands outgoing account messages to the delivery pipeline.
// Delivery itself happens elsewhere.
package mail

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

type Mailer interface {
	SendVerification(ctx context.Context, to, name, link string) error
	SendPasswordReset(ctx context.Context, to, name, link string) error
}

const (
	EventVerifyEmail   = "verify_email"
	EventPasswordReset = "password_reset"

	verifyPath = "/verify-email"
	resetPath  = "/reset-password"
)

// Links builds the application URLs that carry single-use tokens.
type Links struct {
	BaseURL string
}

func (l Links) build(path, token string) string {
	return strings.TrimRight(l.BaseURL, "/") + path + "?" + url.Values{"token": {token}}.Encode()
}

func (l Links) Verify(token string) string { return l.build(verifyPath, token) }

func (l Links) PasswordReset(token string) string { return l.build(resetPath, token) }

// LogMailer only records that a message would have been sent. Used when no
// broker is configured.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) SendVerification(_ context.Context, to, _, _ string) error {
	m.log.Debug("verification mail", slog.String("event", EventVerifyEmail), slog.String("to", to))
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, to, _, _ string) error {
	m.log.Debug("password reset mail", slog.String("event", EventPasswordReset), slog.String("to", to))
	return nil
}
