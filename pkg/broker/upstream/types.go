// SPDX-License-Identifier: Apache-2.0

// Package upstream handles communication with the upstream identity
// providers (Google, Microsoft) the broker delegates user authentication
// to: building authorization URLs, exchanging authorization codes, and
// fetching normalized user profiles.
package upstream

import (
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Supported provider names.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// DefaultProvider is used when an authorization request names no provider.
const DefaultProvider = ProviderGoogle

// Config holds per-provider settings. Empty endpoint and scope fields are
// filled with provider defaults by NewRegistry.
type Config struct {
	// ClientID and ClientSecret are the broker's credentials at the
	// provider.
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// AuthorizeURL, TokenURL, and UserinfoURL override the provider's
	// default endpoints. Mainly useful for tests.
	AuthorizeURL string `mapstructure:"authorize_url"`
	TokenURL     string `mapstructure:"token_url"`
	UserinfoURL  string `mapstructure:"userinfo_url"`

	// Scopes requested from the provider. Defaults to the OIDC set.
	Scopes []string `mapstructure:"scopes"`
}

// defaultOIDCScopes is the scope set sent upstream when none is configured.
var defaultOIDCScopes = []string{"openid", "profile", "email"}

// applyDefaults fills empty endpoint and scope fields for a known provider.
func (c *Config) applyDefaults(provider string) {
	switch provider {
	case ProviderGoogle:
		if c.AuthorizeURL == "" {
			c.AuthorizeURL = google.Endpoint.AuthURL
		}
		if c.TokenURL == "" {
			c.TokenURL = google.Endpoint.TokenURL
		}
		if c.UserinfoURL == "" {
			c.UserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
		}
	case ProviderMicrosoft:
		endpoint := microsoft.AzureADEndpoint("common")
		if c.AuthorizeURL == "" {
			c.AuthorizeURL = endpoint.AuthURL
		}
		if c.TokenURL == "" {
			c.TokenURL = endpoint.TokenURL
		}
		if c.UserinfoURL == "" {
			c.UserinfoURL = "https://graph.microsoft.com/oidc/userinfo"
		}
	}
	if len(c.Scopes) == 0 {
		c.Scopes = defaultOIDCScopes
	}
}

// UserInfo is the normalized user profile fetched from a provider's
// userinfo endpoint.
type UserInfo struct {
	// ID is the provider's stable subject identifier.
	ID string

	// Email is the user's email address, when the provider releases it.
	Email string

	// Name is the user's full display name.
	Name string

	// GivenName and FamilyName are the user's name components.
	GivenName  string
	FamilyName string

	// Picture is a URL to the user's avatar.
	Picture string
}

// TokenResult is the outcome of a successful upstream code exchange.
type TokenResult struct {
	// AccessToken is the provider's access token.
	AccessToken string

	// RefreshToken is the provider's refresh token, if granted.
	RefreshToken string

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64

	// UserInfo is the profile fetched with the access token.
	UserInfo UserInfo
}
