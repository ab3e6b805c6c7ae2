// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the broker's HTTP surface: the
// authorization, callback, token, and registration endpoints plus the
// well-known discovery documents.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"mcpbroker/pkg/broker/cache"
	"mcpbroker/pkg/broker/clients"
	"mcpbroker/pkg/broker/pkce"
	"mcpbroker/pkg/broker/tokens"
	"mcpbroker/pkg/broker/upstream"
	"mcpbroker/pkg/broker/users"
)

// DefaultAuthCodeTTL bounds the window between callback and redemption.
const DefaultAuthCodeTTL = 5 * time.Minute

// Config carries the handler dependencies and settings.
type Config struct {
	// Issuer is the broker's public URL without a trailing slash.
	Issuer string

	// ScopesSupported is the advertised scope set, also the default when
	// an authorization request carries no scope parameter.
	ScopesSupported []string

	// RegistrationEnabled controls POST /oauth/register and whether the
	// discovery documents advertise a registration endpoint.
	RegistrationEnabled bool

	// ClientIDMetadataDocumentSupported advertises support for URL-based
	// client identifiers in the discovery documents.
	ClientIDMetadataDocumentSupported bool

	// AuthCodeTTL is the authorization code lifetime. Zero uses
	// DefaultAuthCodeTTL.
	AuthCodeTTL time.Duration

	Cache    cache.Cache
	PKCE     *pkce.Service
	Clients  *clients.Registry
	Upstream *upstream.Registry

	// Users resolves upstream identities to local user IDs. Nil keeps the
	// upstream subject in issued tokens.
	Users users.Resolver

	Tokens tokens.Service

	// JWKS is the public key set served at /.well-known/jwks.json.
	JWKS jwk.Set

	// SigningAlgorithms is advertised in the discovery documents.
	SigningAlgorithms []string
}

// Handler serves the broker's HTTP endpoints.
type Handler struct {
	issuer              string
	scopesSupported     []string
	registrationEnabled bool
	clientIDMetadataDoc bool
	authCodeTTL         time.Duration

	cache       cache.Cache
	pkce        *pkce.Service
	clients     *clients.Registry
	upstream    *upstream.Registry
	users       users.Resolver
	tokens      tokens.Service
	jwks        jwk.Set
	signingAlgs []string
}

// New creates the handler.
func New(cfg Config) *Handler {
	ttl := cfg.AuthCodeTTL
	if ttl <= 0 {
		ttl = DefaultAuthCodeTTL
	}
	return &Handler{
		issuer:              cfg.Issuer,
		scopesSupported:     cfg.ScopesSupported,
		registrationEnabled: cfg.RegistrationEnabled,
		clientIDMetadataDoc: cfg.ClientIDMetadataDocumentSupported,
		authCodeTTL:         ttl,
		cache:               cfg.Cache,
		pkce:                cfg.PKCE,
		clients:             cfg.Clients,
		upstream:            cfg.Upstream,
		users:               cfg.Users,
		tokens:              cfg.Tokens,
		jwks:                cfg.JWKS,
		signingAlgs:         cfg.SigningAlgorithms,
	}
}

// Routes returns the broker's router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)

	r.Get("/oauth/authorize", h.Authorize)
	r.Get("/oauth/callback/{provider}", h.Callback)
	r.Post("/oauth/token", h.Token)
	r.Post("/oauth/register", h.Register)

	r.Get("/.well-known/oauth-authorization-server", h.Metadata)
	r.Get("/.well-known/openid-configuration", h.Metadata)
	r.Get("/.well-known/jwks.json", h.JWKS)

	return r
}

// recoverer converts panics into a server_error response instead of a
// stack trace on the wire.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in request handler",
					"path", r.URL.Path,
					"panic", rec,
				)
				writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
