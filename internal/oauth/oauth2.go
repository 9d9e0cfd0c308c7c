package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dvizhhse/auth_service/internal/config"
	"github.com/dvizhhse/auth_service/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"

	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubUserURL     = "https://api.github.com/user"
	githubEmailsURL   = "https://api.github.com/user/emails"

	// Profile responses are small; anything larger is not a profile.
	maxProfileBytes = 1 << 20
)

var errNoEmail = errors.New("provider returned no usable email")

type profileFetcher func(ctx context.Context, p *OAuth2Provider, token *oauth2.Token) (models.ProviderProfile, error)

// OAuth2Provider is a direct authorization-code provider. The client secret
// is sent in the token request body, so a rejected exchange is never retried
// with a different auth style.
type OAuth2Provider struct {
	id          string
	config      oauth2.Config
	client      *http.Client
	userInfoURL string
	emailsURL   string
	fetch       profileFetcher
}

func inParams(e oauth2.Endpoint) oauth2.Endpoint {
	e.AuthStyle = oauth2.AuthStyleInParams
	return e
}

func NewGoogleProvider(cfg config.OAuthProvider, client *http.Client) *OAuth2Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &OAuth2Provider{
		id: ProviderGoogle,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     inParams(endpoints.Google),
		},
		client:      client,
		userInfoURL: googleUserInfoURL,
		fetch:       fetchGoogleProfile,
	}
}

func NewGitHubProvider(cfg config.OAuthProvider, client *http.Client) *OAuth2Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	return &OAuth2Provider{
		id: ProviderGitHub,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     inParams(endpoints.GitHub),
		},
		client:      client,
		userInfoURL: githubUserURL,
		emailsURL:   githubEmailsURL,
		fetch:       fetchGitHubProfile,
	}
}

func (p *OAuth2Provider) ID() string { return p.id }

func (p *OAuth2Provider) VerifiesState() bool { return false }

func (p *OAuth2Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, _ string) (models.ProviderProfile, error) {
	const op = "oauth.OAuth2Provider.Exchange"

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return models.ProviderProfile{}, fmt.Errorf("%s: token exchange: %w", op, err)
	}

	profile, err := p.fetch(ctx, p, token)
	if err != nil {
		return models.ProviderProfile{}, fmt.Errorf("%s: profile: %w", op, err)
	}
	profile.LoginMethod = models.LoginMethod(p.id)
	return profile, nil
}

func (p *OAuth2Provider) getJSON(ctx context.Context, url string, token *oauth2.Token, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(dst)
}

func fetchGoogleProfile(ctx context.Context, p *OAuth2Provider, token *oauth2.Token) (models.ProviderProfile, error) {
	var payload struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := p.getJSON(ctx, p.userInfoURL, token, &payload); err != nil {
		return models.ProviderProfile{}, err
	}
	if payload.Email == "" {
		return models.ProviderProfile{}, errNoEmail
	}
	return models.ProviderProfile{
		ExternalID:    payload.Sub,
		Name:          firstNonEmpty(payload.Name, payload.Email),
		Email:         normalizeEmail(payload.Email),
		EmailVerified: payload.EmailVerified,
	}, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchGitHubProfile(ctx context.Context, p *OAuth2Provider, token *oauth2.Token) (models.ProviderProfile, error) {
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.getJSON(ctx, p.userInfoURL, token, &user); err != nil {
		return models.ProviderProfile{}, err
	}

	profile := models.ProviderProfile{
		ExternalID: strconv.FormatInt(user.ID, 10),
		Name:       firstNonEmpty(user.Name, user.Login),
	}

	// The public profile email may be unset or unverified; the emails
	// endpoint is authoritative when the scope allows it.
	var emails []githubEmail
	if err := p.getJSON(ctx, p.emailsURL, token, &emails); err == nil {
		for _, e := range emails {
			if e.Primary && e.Verified {
				profile.Email = normalizeEmail(e.Email)
				profile.EmailVerified = true
				break
			}
		}
	}
	if profile.Email == "" {
		profile.Email = normalizeEmail(user.Email)
	}
	if profile.Email == "" {
		return models.ProviderProfile{}, errNoEmail
	}
	if profile.Name == "" {
		profile.Name = profile.Email
	}
	return profile, nil
}
