// Package authz defines the authorization suspension protocol shared by
// capability handlers, the orchestrator and the HTTP auth endpoints.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Provider identifiers.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
	ProviderNotion = "notion"
)

// ErrUnknownProvider is returned for providers without configuration.
var ErrUnknownProvider = errors.New("authz: unknown provider")

// AuthorizationRequired is raised by a capability when the owner has not
// authorized the provider it needs.
type AuthorizationRequired struct {
	Provider string
}

func (e *AuthorizationRequired) Error() string {
	return fmt.Sprintf("authorization required for provider %q", e.Provider)
}

// Required builds an AuthorizationRequired error.
func Required(provider string) error {
	return &AuthorizationRequired{Provider: provider}
}

// AsRequired reports whether err carries an AuthorizationRequired and
// returns its provider.
func AsRequired(err error) (string, bool) {
	var ar *AuthorizationRequired
	if errors.As(err, &ar) {
		return ar.Provider, true
	}
	return "", false
}

// Outcome is the result an identity provider reports for a suspended turn.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
)

// ParseOutcome maps free-form resume values to an Outcome. Anything that is
// not a recognized success value counts as cancellation.
func ParseOutcome(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "auth_success", "ok", "authorized":
		return OutcomeSuccess
	default:
		return OutcomeCancelled
	}
}

// URLProvider resolves the redirect URL an owner must visit to authorize a
// provider.
type URLProvider interface {
	AuthURL(ctx context.Context, provider, ownerID string) (string, error)
}

// ProviderConfig is the OAuth client configuration of one provider.
type ProviderConfig struct {
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
	Scopes       []string
	// ExtraParams are appended verbatim to the authorize URL.
	ExtraParams map[string]string
}

// DefaultAuthorizeURLs are the public authorize endpoints of the built-in
// providers.
var DefaultAuthorizeURLs = map[string]string{
	ProviderGitHub: "https://github.com/login/oauth/authorize",
	ProviderGoogle: "https://accounts.google.com/o/oauth2/v2/auth",
	ProviderNotion: "https://api.notion.com/v1/oauth/authorize",
}

// Authorizer builds provider authorize URLs carrying the owner as state.
type Authorizer struct {
	providers map[string]ProviderConfig
	aliases   map[string]string
}

var _ URLProvider = (*Authorizer)(nil)

// NewAuthorizer creates an Authorizer. Providers without a client ID are
// ignored.
func NewAuthorizer(providers map[string]ProviderConfig) *Authorizer {
	a := &Authorizer{
		providers: make(map[string]ProviderConfig, len(providers)),
		aliases: map[string]string{
			"repository": ProviderGitHub,
			"calendar":   ProviderGoogle,
			"tasks":      ProviderGoogle,
			"workspace":  ProviderNotion,
		},
	}
	for name, cfg := range providers {
		if cfg.ClientID == "" {
			continue
		}
		if cfg.AuthorizeURL == "" {
			cfg.AuthorizeURL = DefaultAuthorizeURLs[name]
		}
		a.providers[name] = cfg
	}
	return a
}

// Canonical resolves provider aliases such as "repository" to the configured
// provider name.
func (a *Authorizer) Canonical(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if alias, ok := a.aliases[p]; ok {
		return alias
	}
	return p
}

// Providers returns the configured provider names.
func (a *Authorizer) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthURL returns the authorize URL for provider with state set to ownerID.
func (a *Authorizer) AuthURL(_ context.Context, provider, ownerID string) (string, error) {
	name := a.Canonical(provider)
	cfg, ok := a.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	base, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url for %s: %w", name, err)
	}

	q := base.Query()
	q.Set("client_id", cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("state", ownerID)
	if cfg.RedirectURI != "" {
		q.Set("redirect_uri", cfg.RedirectURI)
	}
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	for k, v := range cfg.ExtraParams {
		q.Set(k, v)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
