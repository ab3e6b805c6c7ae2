// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"context"
	"fmt"
	"time"

	"mcpbroker/pkg/broker/cache"
)

// Cache key prefixes for per-attempt session state.
const (
	sessionKeyPrefix      = "oauth_pkce_"
	stateMappingKeyPrefix = "oauth_upstream_state_"
)

// DefaultSessionTTL bounds how long a user has to complete authentication
// at the upstream provider.
const DefaultSessionTTL = 10 * time.Minute

// Session holds the state of one authorization attempt while the user
// authenticates upstream, keyed by the downstream client's state value.
type Session struct {
	// UpstreamVerifier is the code_verifier for the broker's PKCE leg
	// with the upstream provider. It is never exposed to the client.
	UpstreamVerifier string `json:"upstream_verifier"`

	// ClientChallenge is the code_challenge presented by the downstream
	// client, verified at token exchange.
	ClientChallenge string `json:"client_challenge"`

	// ClientID is the downstream client that started the attempt.
	ClientID string `json:"client_id"`

	// RedirectURI is the client redirect URI validated at /authorize.
	RedirectURI string `json:"redirect_uri"`

	// Scopes are the authorized scopes for this attempt.
	Scopes []string `json:"scopes"`

	// Provider is the upstream provider handling this attempt.
	Provider string `json:"provider"`
}

// Service stores PKCE sessions and upstream state mappings in the
// persisted cache, so an authorization attempt survives process restarts
// between the redirect to the upstream provider and its callback.
type Service struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewService creates a Service writing entries with the given TTL.
// A zero TTL uses DefaultSessionTTL.
func NewService(c cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{cache: c, ttl: ttl}
}

// StoreSession stores the session under the downstream client's state.
func (s *Service) StoreSession(ctx context.Context, clientState string, sess *Session) error {
	if err := s.cache.Set(ctx, sessionKeyPrefix+clientState, sess, s.ttl); err != nil {
		return fmt.Errorf("failed to store pkce session: %w", err)
	}
	return nil
}

// ConsumeSession atomically retrieves and removes the session for
// clientState. Missing, expired, and infrastructure-failed lookups all
// report not-found so a session can never be replayed.
func (s *Service) ConsumeSession(ctx context.Context, clientState string) (*Session, bool) {
	var sess Session
	found, err := s.cache.Consume(ctx, sessionKeyPrefix+clientState, &sess)
	if err != nil || !found {
		return nil, false
	}
	return &sess, true
}

// StoreStateMapping records upstream_state -> client_state, decoupling the
// CSRF token sent upstream from the one the client chose.
func (s *Service) StoreStateMapping(ctx context.Context, upstreamState, clientState string) error {
	if err := s.cache.Set(ctx, stateMappingKeyPrefix+upstreamState, clientState, s.ttl); err != nil {
		return fmt.Errorf("failed to store state mapping: %w", err)
	}
	return nil
}

// ConsumeStateMapping atomically retrieves and removes the client state
// recorded for upstreamState.
func (s *Service) ConsumeStateMapping(ctx context.Context, upstreamState string) (string, bool) {
	var clientState string
	found, err := s.cache.Consume(ctx, stateMappingKeyPrefix+upstreamState, &clientState)
	if err != nil || !found {
		return "", false
	}
	return clientState, true
}
