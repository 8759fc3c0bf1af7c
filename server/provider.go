package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/gitlab"
)

// ProviderName identifies one of the supported OAuth providers.
type ProviderName string

const (
	ProviderGitHub ProviderName = "github"
	ProviderGitLab ProviderName = "gitlab"
)

// ParseProviderName rejects anything outside the supported set.
func ParseProviderName(s string) (ProviderName, error) {
	switch ProviderName(s) {
	case ProviderGitHub, ProviderGitLab:
		return ProviderName(s), nil
	default:
		return "", invalidInput(msgInvalidProvider, fmt.Sprintf("unknown provider %q", s))
	}
}

// Provider builds authorization URLs and redeems codes for access tokens.
type Provider interface {
	Name() ProviderName
	AuthCodeURL(state string, scopes []string) string
	// Exchange returns the access token. Errors are *UpstreamProtocolError when the
	// provider refused the code and *UpstreamNetworkError when it could not be reached.
	Exchange(ctx context.Context, code string) (string, error)
}

// OAuthProvider is a Provider backed by an oauth2.Config.
type OAuthProvider struct {
	name        ProviderName
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOAuthProvider wraps endpoint and credentials. Client secrets are always sent in
// the request body so the token endpoint is called exactly once per exchange.
func NewOAuthProvider(name ProviderName, upstream UpstreamProvider, endpoint oauth2.Endpoint, redirect string, httpClient *http.Client, logger *slog.Logger) *OAuthProvider {
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultProviderTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the provider identifier.
func (p *OAuthProvider) Name() ProviderName {
	return p.name
}

// AuthCodeURL constructs the authorization request for the requested scopes.
func (p *OAuthProvider) AuthCodeURL(state string, scopes []string) string {
	cfg := *p.oauthConfig
	cfg.Scopes = scopes
	return cfg.AuthCodeURL(state)
}

// Exchange completes the code exchange. There is no retry: codes are single-use.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (string, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("token response without access_token")
	}
	if err != nil {
		classified := classifyExchangeError(p.name, err)
		p.logger.Warn("token exchange failed",
			"provider", p.name,
			"kind", exchangeErrorKind(classified),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return "", classified
	}

	p.logger.Debug("token exchange succeeded", "provider", p.name, "duration_ms", time.Since(start).Milliseconds())
	return tok.AccessToken, nil
}

// classifyExchangeError tags err. Anything that is neither a provider error response nor
// a transport failure means the provider answered with an unusable token response.
func classifyExchangeError(name ProviderName, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return &UpstreamNetworkError{Provider: name, Err: err}
		}
		return &UpstreamProtocolError{
			Provider:    name,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamNetworkError{Provider: name, Err: err}
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &UpstreamNetworkError{Provider: name, Err: err}
	}

	return &UpstreamProtocolError{Provider: name, Description: msgInvalidTokenResponse}
}

func exchangeErrorKind(err error) string {
	var netErr *UpstreamNetworkError
	if errors.As(err, &netErr) {
		return "network"
	}
	return "protocol"
}

// githubEndpoint returns github.com endpoints, or GitHub Enterprise ones under base.
func githubEndpoint(base string) oauth2.Endpoint {
	base = strings.TrimSuffix(base, "/")
	if base == "" || base == "https://github.com" {
		return github.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  base + "/login/oauth/authorize",
		TokenURL: base + "/login/oauth/access_token",
	}
}

// gitlabEndpoint returns gitlab.com endpoints, or self-hosted ones under base.
func gitlabEndpoint(base string) oauth2.Endpoint {
	base = strings.TrimSuffix(base, "/")
	if base == "" || base == DefaultGitLabBaseURL {
		return gitlab.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:  base + "/oauth/authorize",
		TokenURL: base + "/oauth/token",
	}
}

// discoverEndpoint resolves endpoints from the issuer's OIDC discovery document.
func discoverEndpoint(ctx context.Context, issuer string, httpClient *http.Client) (oauth2.Endpoint, error) {
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("discover %s: %w", issuer, err)
	}
	return op.Endpoint(), nil
}

// BuildProviders prepares every provider that has credentials configured.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[ProviderName]Provider, error) {
	providers := make(map[ProviderName]Provider)
	redirect := strings.TrimSuffix(cfg.Server.PublicURL, "/") + callbackPath
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout()}

	if gh := cfg.Providers.GitHub; gh.Configured() {
		providers[ProviderGitHub] = NewOAuthProvider(ProviderGitHub, gh, githubEndpoint(gh.BaseURL), redirect, httpClient, logger)
	}

	if gl := cfg.Providers.GitLab; gl.Configured() {
		endpoint := gitlabEndpoint(gl.BaseURL)
		if gl.Discover {
			base := gl.BaseURL
			if base == "" {
				base = DefaultGitLabBaseURL
			}
			discovered, err := discoverEndpoint(ctx, base, httpClient)
			switch {
			case err == nil:
				endpoint = discovered
			case cfg.Server.DevMode:
				logger.Warn("provider discovery failed, using static endpoints", "provider", ProviderGitLab, "error", err)
			default:
				return nil, err
			}
		}
		providers[ProviderGitLab] = NewOAuthProvider(ProviderGitLab, gl, endpoint, redirect, httpClient, logger)
	}

	if len(providers) == 0 {
		return nil, &ConfigError{Field: "providers", Reason: "no provider configured"}
	}
	return providers, nil
}
