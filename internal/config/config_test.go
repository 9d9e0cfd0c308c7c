package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
env: dev
http_server:
  address: ":8080"
session:
  secret: "s3cret"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.False(t, cfg.IsLocal())
	assert.Equal(t, ":8080", cfg.HTTPServer.Address)
	assert.Equal(t, 10*time.Second, cfg.HTTPServer.ReadTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.LocalTTL)
	assert.Equal(t, 365*24*time.Hour, cfg.Session.OAuthTTL)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.EmailVerifyTTL)
	assert.Equal(t, time.Hour, cfg.Tokens.PasswordResetTTL)
	assert.Equal(t, 10*time.Minute, cfg.OAuth.StateTTL)
	assert.Equal(t, "portal", cfg.OAuth.Trusted.ID)
	assert.False(t, cfg.OAuth.Google.Enabled())
	assert.False(t, cfg.OAuth.Trusted.Enabled())
}

func TestLoadConfig_Providers(t *testing.T) {
	path := writeConfig(t, `
http_server:
  address: ":8080"
session:
  secret: "s3cret"
oauth:
  google:
    client_id: "gid"
    client_secret: "gsecret"
    redirect_url: "http://localhost:8080/oauth/callback"
  trusted:
    portal_url: "https://portal.example.com/app-auth"
    exchange_url: "https://api.example.com/oauth/exchange"
    app_id: "app-1"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsLocal())
	assert.True(t, cfg.OAuth.Google.Enabled())
	assert.False(t, cfg.OAuth.GitHub.Enabled())
	assert.True(t, cfg.OAuth.Trusted.Enabled())
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	path := writeConfig(t, `
http_server:
  address: ":8080"
`)

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestMustLoadConfig_MissingFile(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
