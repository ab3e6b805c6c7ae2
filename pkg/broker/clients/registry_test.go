// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbroker/pkg/broker/cache"
)

func registryTestSetup(t *testing.T, registrationEnabled bool) *Registry {
	t.Helper()
	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })
	return NewRegistry(c, registrationEnabled, []string{"openid", "profile", "email", "mcp:tools"})
}

func TestValidateUnknownClient(t *testing.T) {
	t.Parallel()

	r := registryTestSetup(t, true)

	_, err := r.Validate(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = r.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestSaveAndValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	client := &Client{
		ID:                      "client-1",
		RedirectURIs:            []string{"https://client.example/cb"},
		GrantTypes:              []string{GrantAuthorizationCode},
		TokenEndpointAuthMethod: AuthMethodNone,
	}
	require.NoError(t, r.Save(ctx, client))

	got, err := r.Validate(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ID)
	assert.True(t, got.IsPublic())
}

func TestValidateSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	confidential := &Client{
		ID:                      "confidential",
		SecretDigest:            hashSecret("s3cret"),
		RedirectURIs:            []string{"https://client.example/cb"},
		TokenEndpointAuthMethod: AuthMethodSecretPost,
	}
	require.NoError(t, r.Save(ctx, confidential))

	public := &Client{
		ID:                      "public",
		RedirectURIs:            []string{"https://client.example/cb"},
		TokenEndpointAuthMethod: AuthMethodNone,
	}
	require.NoError(t, r.Save(ctx, public))

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"correct secret", "confidential", "s3cret", nil},
		{"wrong secret", "confidential", "wrong", ErrInvalidClientCredentials},
		{"missing secret for confidential", "confidential", "", ErrInvalidClientCredentials},
		{"public client without secret", "public", "", nil},
		{"public client with unexpected secret", "public", "anything", ErrInvalidClientCredentials},
		{"unknown client", "nope", "s3cret", ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.ValidateSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	client := &Client{
		ID:                      "client-1",
		RedirectURIs:            []string{"https://client.example/cb?env=prod"},
		TokenEndpointAuthMethod: AuthMethodNone,
	}
	require.NoError(t, r.Save(ctx, client))

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact match", "https://client.example/cb?env=prod", true},
		{"host case differs", "https://CLIENT.example/cb?env=prod", true},
		{"scheme case differs", "HTTPS://client.example/cb?env=prod", true},
		{"path differs", "https://client.example/other?env=prod", false},
		{"path case differs", "https://client.example/CB?env=prod", false},
		{"query differs", "https://client.example/cb?env=dev", false},
		{"unregistered host", "https://evil.example/cb?env=prod", false},
		{"unparseable", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.ValidateRedirectURI(ctx, "client-1", tt.uri))
		})
	}
}

func TestRedirectURIsMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "https://client.example/cb", "https://client.example/cb", true},
		{"host case differs", "https://client.example/cb", "https://CLIENT.example/cb", true},
		{"scheme case differs", "https://client.example/cb", "HTTPS://client.example/cb", true},
		{"path case differs", "https://client.example/cb", "https://client.example/CB", false},
		{"query differs", "https://client.example/cb?a=1", "https://client.example/cb?a=2", false},
		{"unparseable identical", "://bad", "://bad", true},
		{"unparseable mismatch", "://bad", "https://client.example/cb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RedirectURIsMatch(tt.a, tt.b))
		})
	}
}

func TestRegisterPublicClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	resp, err := r.Register(ctx, &RegistrationRequest{
		RedirectURIs: []string{"https://client.example/cb"},
		ClientName:   "Test MCP Client",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ClientID)
	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, AuthMethodNone, resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{GrantAuthorizationCode, GrantRefreshToken}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "openid profile email mcp:tools", resp.Scope)

	// The client is persisted and usable.
	client, err := r.Validate(ctx, resp.ClientID)
	require.NoError(t, err)
	assert.True(t, client.IsPublic())
}

func TestRegisterConfidentialClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	resp, err := r.Register(ctx, &RegistrationRequest{
		RedirectURIs:            []string{"https://client.example/cb"},
		TokenEndpointAuthMethod: AuthMethodSecretBasic,
		Scope:                   "openid mcp:tools",
	})
	require.NoError(t, err)

	// 32 bytes base64url without padding.
	require.Len(t, resp.ClientSecret, 43)
	assert.Equal(t, "openid mcp:tools", resp.Scope)

	// The stored record holds only the digest, and the secret verifies.
	client, err := r.ValidateSecret(ctx, resp.ClientID, resp.ClientSecret)
	require.NoError(t, err)
	assert.NotContains(t, string(client.SecretDigest), resp.ClientSecret)
}

func TestRegisterDisabled(t *testing.T) {
	t.Parallel()

	r := registryTestSetup(t, false)

	_, err := r.Register(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"https://client.example/cb"},
	})
	assert.ErrorIs(t, err, ErrRegistrationDisabled)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := registryTestSetup(t, true)

	tests := []struct {
		name string
		req  *RegistrationRequest
	}{
		{"missing redirect_uris", &RegistrationRequest{}},
		{"relative redirect_uri", &RegistrationRequest{
			RedirectURIs: []string{"/cb"},
		}},
		{"redirect_uri with fragment", &RegistrationRequest{
			RedirectURIs: []string{"https://client.example/cb#frag"},
		}},
		{"unsupported grant type", &RegistrationRequest{
			RedirectURIs: []string{"https://client.example/cb"},
			GrantTypes:   []string{"implicit"},
		}},
		{"refresh_token only", &RegistrationRequest{
			RedirectURIs: []string{"https://client.example/cb"},
			GrantTypes:   []string{GrantRefreshToken},
		}},
		{"unsupported response type", &RegistrationRequest{
			RedirectURIs:  []string{"https://client.example/cb"},
			ResponseTypes: []string{"token"},
		}},
		{"unsupported auth method", &RegistrationRequest{
			RedirectURIs:            []string{"https://client.example/cb"},
			TokenEndpointAuthMethod: "private_key_jwt",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Register(ctx, tt.req)
			var regError *RegistrationError
			assert.ErrorAs(t, err, &regError)
		})
	}
}
