// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mcpbroker/pkg/broker/cache"
)

const clientKeyPrefix = "oauth_client_"

// clientSecretBytes is the entropy of generated client secrets (256 bits).
const clientSecretBytes = 32

var (
	// ErrClientNotFound is returned when no client exists for the given ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials is returned when the presented secret
	// does not match the registered one.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrRegistrationDisabled is returned by Register when dynamic client
	// registration is turned off.
	ErrRegistrationDisabled = errors.New("dynamic client registration is disabled")
)

// Registry persists registered OAuth clients in the broker's cache store
// and validates client credentials and redirect URIs.
type Registry struct {
	cache               cache.Cache
	registrationEnabled bool
	defaultScopes       []string
}

// NewRegistry creates a client registry backed by the given cache.
// defaultScopes bounds the scopes granted to dynamically registered
// clients that do not request any.
func NewRegistry(c cache.Cache, registrationEnabled bool, defaultScopes []string) *Registry {
	return &Registry{
		cache:               c,
		registrationEnabled: registrationEnabled,
		defaultScopes:       defaultScopes,
	}
}

// Save stores a client record. Clients do not expire.
func (r *Registry) Save(ctx context.Context, client *Client) error {
	if client.ID == "" {
		return errors.New("client ID cannot be empty")
	}
	if err := r.cache.Set(ctx, clientKeyPrefix+client.ID, client, cache.NoExpiry); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	return nil
}

// Validate looks up the client by ID without checking credentials. This is
// the public-client path used at the authorization endpoint.
// Infrastructure failures are reported as not-found: an unverifiable
// client must never pass validation.
func (r *Registry) Validate(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}

	var client Client
	found, err := r.cache.Get(ctx, clientKeyPrefix+clientID, &client)
	if err != nil {
		slog.Warn("client lookup failed", "error", err)
		return nil, ErrClientNotFound
	}
	if !found {
		return nil, ErrClientNotFound
	}
	return &client, nil
}

// ValidateSecret looks up the client and verifies the presented secret in
// constant time. Clients registered with the "none" auth method validate
// only when no secret is presented.
func (r *Registry) ValidateSecret(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := r.Validate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.VerifySecret(clientSecret) {
		return nil, ErrInvalidClientCredentials
	}
	return client, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	client, err := r.Validate(ctx, clientID)
	if err != nil {
		return false
	}
	return client.MatchesRedirectURI(uri)
}

// Register handles an RFC 7591 dynamic client registration request. The
// response carries the generated credentials; for confidential clients the
// secret is returned here and never again.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	if !r.registrationEnabled {
		return nil, ErrRegistrationDisabled
	}

	validated, err := validateRegistrationRequest(req, r.defaultScopes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	client := &Client{
		ID:                      uuid.NewString(),
		Name:                    validated.ClientName,
		RedirectURIs:            validated.RedirectURIs,
		GrantTypes:              validated.GrantTypes,
		Scopes:                  validated.Scopes,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		CreatedAt:               now,
	}

	var plainSecret string
	if client.TokenEndpointAuthMethod != AuthMethodNone {
		plainSecret = generateClientSecret()
		client.SecretDigest = hashSecret(plainSecret)
	}

	if err := r.Save(ctx, client); err != nil {
		return nil, err
	}

	slog.Info("registered new client",
		"client_id", client.ID,
		"client_name", client.Name,
		"public", client.IsPublic(),
	)

	return &RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            plainSecret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.Name,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		Scope:                   joinScopes(client.Scopes),
	}, nil
}

func generateClientSecret() string {
	b := make([]byte, clientSecretBytes)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
