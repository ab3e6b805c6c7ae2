// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcpbroker/pkg/broker/pkce"
)

// DefaultRequestTimeout bounds every HTTP call to an upstream provider.
const DefaultRequestTimeout = 10 * time.Second

// maxResponseSize caps upstream response bodies (1 MiB).
const maxResponseSize = 1 << 20

// ErrUnknownProvider is returned for provider names the registry does not
// know.
var ErrUnknownProvider = errors.New("unknown upstream provider")

// Registry holds the configured upstream providers and performs the
// broker's side of the upstream OAuth flow.
type Registry struct {
	providers  map[string]*Config
	httpClient *http.Client

	// callbackBase is the broker's public URL; per-provider callbacks are
	// callbackBase + "/oauth/callback/" + name.
	callbackBase string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient sets a custom HTTP client for upstream calls.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// NewRegistry creates a provider registry. Only providers present in
// configs are enabled; endpoint and scope defaults are applied per
// provider name.
func NewRegistry(serverURL string, configs map[string]*Config, opts ...RegistryOption) *Registry {
	providers := make(map[string]*Config, len(configs))
	for name, cfg := range configs {
		if cfg == nil {
			continue
		}
		c := *cfg
		c.applyDefaults(name)
		providers[name] = &c
	}

	r := &Registry{
		providers:    providers,
		httpClient:   &http.Client{Timeout: DefaultRequestTimeout},
		callbackBase: strings.TrimSuffix(serverURL, "/"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsSupported reports whether the named provider is configured.
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// RedirectURI returns the broker callback URL registered at the provider.
func (r *Registry) RedirectURI(provider string) string {
	return r.callbackBase + "/oauth/callback/" + provider
}

// AuthorizationURL builds the provider's authorization URL for one
// brokered attempt. The state and S256 code challenge belong to the
// broker's upstream leg, never to the downstream client.
func (r *Registry) AuthorizationURL(provider, state, codeChallenge string, scopes []string) (string, error) {
	cfg, ok := r.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	if len(scopes) == 0 {
		scopes = cfg.Scopes
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {cfg.ClientID},
		"redirect_uri":          {r.RedirectURI(provider)},
		"state":                 {state},
		"scope":                 {strings.Join(scopes, " ")},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {pkce.ChallengeMethodS256},
	}

	// Google only issues refresh tokens for offline access with an
	// explicit consent prompt.
	if provider == ProviderGoogle {
		params.Set("access_type", "offline")
		params.Set("prompt", "consent")
	}

	return cfg.AuthorizeURL + "?" + params.Encode(), nil
}

// ExchangeCode exchanges the upstream authorization code for tokens and
// fetches the user profile. Any upstream failure is returned as an error;
// the caller maps it to invalid_grant, and no retry is attempted since the
// user has already authenticated.
func (r *Registry) ExchangeCode(ctx context.Context, provider, code, codeVerifier string) (*TokenResult, error) {
	cfg, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {r.RedirectURI(provider)},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"code_verifier": {codeVerifier},
	}

	tokens, err := r.tokenRequest(ctx, cfg, params)
	if err != nil {
		return nil, err
	}

	userInfo, err := r.fetchUserInfo(ctx, provider, cfg, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	tokens.UserInfo = *userInfo

	slog.Debug("upstream code exchange successful",
		"provider", provider,
		"has_refresh_token", tokens.RefreshToken != "",
	)

	return tokens, nil
}

// RefreshTokens rotates the upstream tokens using the provider's refresh
// grant. Used when the broker's own refresh cycle needs fresh upstream
// credentials.
func (r *Registry) RefreshTokens(ctx context.Context, provider, refreshToken string) (*TokenResult, error) {
	cfg, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}

	return r.tokenRequest(ctx, cfg, params)
}

// upstreamTokenResponse is the provider's token endpoint response shape.
type upstreamTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (r *Registry) tokenRequest(ctx context.Context, cfg *Config, params url.Values) (*TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed upstreamTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse token response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		// The provider's error code is safe to log; descriptions may
		// quote request parameters, so keep them out of returned errors.
		slog.Warn("upstream token endpoint returned error",
			"status", resp.StatusCode,
			"error", parsed.Error,
		)
		return nil, fmt.Errorf("upstream token endpoint returned status %d", resp.StatusCode)
	}

	if parsed.AccessToken == "" {
		return nil, errors.New("upstream token response missing access_token")
	}

	return &TokenResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresIn:    parsed.ExpiresIn,
	}, nil
}

// rawUserInfo covers the field spellings of both providers: Google's OIDC
// userinfo endpoint and Microsoft Graph.
type rawUserInfo struct {
	Sub               string `json:"sub"`
	ID                string `json:"id"`
	Email             string `json:"email"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	Name              string `json:"name"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"given_name"`
	GivenNameGraph    string `json:"givenName"`
	FamilyName        string `json:"family_name"`
	Surname           string `json:"surname"`
	Picture           string `json:"picture"`
}

func (r *Registry) fetchUserInfo(ctx context.Context, provider string, cfg *Config, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	var raw rawUserInfo
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	info := normalizeUserInfo(&raw)
	if info.ID == "" {
		return nil, fmt.Errorf("userinfo response from %s missing subject", provider)
	}
	return info, nil
}

// normalizeUserInfo maps the provider-specific field spellings onto the
// broker's profile shape.
func normalizeUserInfo(raw *rawUserInfo) *UserInfo {
	info := &UserInfo{
		ID:         firstNonEmpty(raw.Sub, raw.ID),
		Email:      firstNonEmpty(raw.Email, raw.Mail, raw.UserPrincipalName),
		Name:       firstNonEmpty(raw.Name, raw.DisplayName),
		GivenName:  firstNonEmpty(raw.GivenName, raw.GivenNameGraph),
		FamilyName: firstNonEmpty(raw.FamilyName, raw.Surname),
		Picture:    raw.Picture,
	}
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
