// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mcpbroker/pkg/broker/cache"
	"mcpbroker/pkg/broker/clients"
	"mcpbroker/pkg/broker/handlers"
	"mcpbroker/pkg/broker/pkce"
	"mcpbroker/pkg/broker/tokens"
	"mcpbroker/pkg/broker/upstream"
	"mcpbroker/pkg/broker/users"
)

// Server is the assembled broker.
type Server struct {
	cfg      *Config
	cache    cache.Cache
	resolver *users.SQLiteResolver
	handler  http.Handler
	httpSrv  *http.Server
}

// New builds the broker from the configuration. The returned server owns
// the cache and resolver and releases them on Shutdown.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := newCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var resolver *users.SQLiteResolver
	if cfg.UserDatabase != "" {
		resolver, err = users.NewSQLiteResolver(ctx, cfg.UserDatabase)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open user database: %w", err)
		}
	} else {
		slog.Warn("no user database configured, tokens will carry upstream subjects")
	}

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	upstreamReg := upstream.NewRegistry(cfg.ServerURL, cfg.Providers)

	tokenSvc, err := tokens.NewJWTService(cfg.ServerURL, signingKey, store,
		tokens.WithAccessTokenLifetime(cfg.TokenLifetime),
		tokens.WithRefreshTokenLifetime(cfg.RefreshLifetime),
		tokens.WithUpstreamRefresher(upstreamReg),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	var resolverIface users.Resolver
	if resolver != nil {
		resolverIface = resolver
	}

	h := handlers.New(handlers.Config{
		Issuer:                            cfg.ServerURL,
		ScopesSupported:                   cfg.ScopesSupported,
		RegistrationEnabled:               cfg.EnableDynamicClientRegistration,
		ClientIDMetadataDocumentSupported: cfg.ClientIDMetadataDocumentSupported,
		AuthCodeTTL:                       cfg.AuthCodeTTL,
		Cache:                             store,
		PKCE:                              pkce.NewService(store, cfg.PKCESessionTTL),
		Clients:                           clients.NewRegistry(store, cfg.EnableDynamicClientRegistration, cfg.ScopesSupported),
		Upstream:                          upstreamReg,
		Users:                             resolverIface,
		Tokens:                            tokenSvc,
		JWKS:                              tokenSvc.PublicJWKS(),
		SigningAlgorithms:                 tokenSvc.SigningAlgorithms(),
	})

	handler := h.Routes()
	return &Server{
		cfg:      cfg,
		cache:    store,
		resolver: resolver,
		handler:  handler,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the broker's HTTP handler, for embedding the broker
// into an existing server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves the broker until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("broker listening",
		"addr", s.cfg.ListenAddr,
		"issuer", s.cfg.ServerURL,
	)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases the cache and user
// database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if s.resolver != nil {
		if closeErr := s.resolver.Close(); err == nil {
			err = closeErr
		}
	}
	if closeErr := s.cache.Close(); err == nil {
		err = closeErr
	}
	return err
}

func newCache(ctx context.Context, cfg *Config) (cache.Cache, error) {
	if cfg.Redis == nil {
		slog.Debug("using in-memory cache")
		return cache.NewMemory(), nil
	}
	store, err := cache.NewRedis(ctx, *cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("using redis cache", "addr", cfg.Redis.Addr)
	return store, nil
}

func loadSigningKey(cfg *Config) (*rsa.PrivateKey, error) {
	if cfg.SigningKeyFile != "" {
		key, err := tokens.LoadSigningKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		return key, nil
	}
	slog.Warn("no signing key configured, generating an ephemeral key")
	return tokens.GenerateSigningKey()
}
