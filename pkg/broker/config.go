// SPDX-License-Identifier: Apache-2.0

// Package broker assembles the OAuth identity broker: the persisted
// cache, client registry, upstream providers, user resolver, token
// service, and HTTP surface.
package broker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mcpbroker/pkg/broker/cache"
	"mcpbroker/pkg/broker/upstream"
)

// DefaultScopesSupported is the advertised scope set when none is
// configured.
var DefaultScopesSupported = []string{"openid", "profile", "email", "mcp:tools"}

// DefaultListenAddr is the default HTTP listen address.
const DefaultListenAddr = ":8080"

// Config is the fully resolved broker configuration.
type Config struct {
	// ServerURL is the broker's public URL, used as the token issuer and
	// in discovery metadata. A trailing slash is stripped.
	ServerURL string `mapstructure:"server_url"`

	// ListenAddr is the HTTP listen address. Defaults to ":8080".
	ListenAddr string `mapstructure:"listen_addr"`

	// ScopesSupported is the advertised scope set, also granted by
	// default to authorization requests without a scope parameter.
	ScopesSupported []string `mapstructure:"scopes_supported"`

	// EnableDynamicClientRegistration turns on POST /oauth/register.
	EnableDynamicClientRegistration bool `mapstructure:"enable_dynamic_client_registration"`

	// ClientIDMetadataDocumentSupported advertises URL-based client ID
	// support in discovery metadata.
	ClientIDMetadataDocumentSupported bool `mapstructure:"client_id_metadata_document_supported"`

	// TokenLifetime is the access token lifetime. Zero uses the token
	// service default (1h).
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`

	// RefreshLifetime is the refresh token lifetime. Zero uses the token
	// service default (30d).
	RefreshLifetime time.Duration `mapstructure:"refresh_lifetime"`

	// AuthCodeTTL bounds the window between callback and redemption.
	// Zero defaults to 5 minutes.
	AuthCodeTTL time.Duration `mapstructure:"auth_code_ttl"`

	// PKCESessionTTL bounds how long a user has to authenticate at the
	// upstream provider. Zero defaults to 10 minutes.
	PKCESessionTTL time.Duration `mapstructure:"pkce_session_ttl"`

	// SigningKeyFile is a PEM file holding the RSA signing key. Empty
	// generates an ephemeral key; tokens then do not survive restarts.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// UserDatabase is the SQLite file mapping emails to local user IDs.
	// Empty disables user resolution; tokens keep the upstream subject.
	UserDatabase string `mapstructure:"user_database"`

	// Providers configures the upstream identity providers, keyed by
	// name ("google", "microsoft").
	Providers map[string]*upstream.Config `mapstructure:"providers"`

	// Redis configures the persisted cache backend. Nil selects the
	// in-memory cache, which does not survive restarts.
	Redis *cache.RedisConfig `mapstructure:"redis"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("server_url must be an absolute URL: %q", c.ServerURL)
	}
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = DefaultScopesSupported
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one upstream provider is required")
	}
	for name, p := range c.Providers {
		if p == nil || p.ClientID == "" {
			return fmt.Errorf("provider %q: client_id is required", name)
		}
	}

	return nil
}
