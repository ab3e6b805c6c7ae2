// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbroker/pkg/broker/cache"
	"mcpbroker/pkg/broker/upstream"
)

const testIssuer = "https://broker.example"

func testClaims() []Claim {
	return []Claim{
		{Type: ClaimNameIdentifier, Value: "42"},
		{Type: ClaimEmail, Value: "alice@example.com"},
		{Type: ClaimName, Value: "Alice Example"},
		{Type: ClaimProvider, Value: "google"},
	}
}

func jwtTestService(t *testing.T, opts ...JWTServiceOption) *JWTService {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })

	svc, err := NewJWTService(testIssuer, key, c, opts...)
	require.NoError(t, err)
	return svc
}

func TestIssueTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := jwtTestService(t)

	resp, err := svc.IssueTokens(ctx, testClaims(), "up-access", "up-refresh", []string{"openid", "mcp:tools"}, "client-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "openid mcp:tools", resp.Scope)
	assert.Len(t, resp.RefreshToken, 43)

	// The access token verifies against the public JWKS and carries the
	// expected claims.
	parsed, err := jwt.Parse([]byte(resp.AccessToken),
		jwt.WithKeySet(svc.PublicJWKS()),
		jwt.WithIssuer(testIssuer),
	)
	require.NoError(t, err)

	sub, ok := parsed.Subject()
	require.True(t, ok)
	assert.Equal(t, "42", sub)

	var clientID, scope, email, idp string
	require.NoError(t, parsed.Get("client_id", &clientID))
	require.NoError(t, parsed.Get("scope", &scope))
	require.NoError(t, parsed.Get("email", &email))
	require.NoError(t, parsed.Get("idp", &idp))
	assert.Equal(t, "client-1", clientID)
	assert.Equal(t, "openid mcp:tools", scope)
	assert.Equal(t, "alice@example.com", email)
	assert.Equal(t, "google", idp)
}

func TestRefreshRotatesAndInvalidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := jwtTestService(t)

	first, err := svc.IssueTokens(ctx, testClaims(), "up-access", "up-refresh", []string{"openid"}, "client-1")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken, "client-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "openid", second.Scope)

	// The rotated-out token is gone.
	_, err = svc.Refresh(ctx, first.RefreshToken, "client-1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The new one still works.
	_, err = svc.Refresh(ctx, second.RefreshToken, "client-1")
	assert.NoError(t, err)
}

func TestRefreshClientBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := jwtTestService(t)

	resp, err := svc.IssueTokens(ctx, testClaims(), "", "", []string{"openid"}, "client-1")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, resp.RefreshToken, "other-client")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The mismatched attempt burned the token.
	_, err = svc.Refresh(ctx, resp.RefreshToken, "client-1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshUnknownToken(t *testing.T) {
	t.Parallel()

	svc := jwtTestService(t)

	_, err := svc.Refresh(context.Background(), "no-such-token", "client-1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = svc.Refresh(context.Background(), "", "client-1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshTokenExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := jwtTestService(t, WithRefreshTokenLifetime(time.Nanosecond))

	resp, err := svc.IssueTokens(ctx, testClaims(), "", "", []string{"openid"}, "client-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = svc.Refresh(ctx, resp.RefreshToken, "client-1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

type stubRefresher struct {
	result *upstream.TokenResult
	err    error
	calls  int
}

func (s *stubRefresher) RefreshTokens(_ context.Context, _, _ string) (*upstream.TokenResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestRefreshRotatesUpstreamTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	refresher := &stubRefresher{
		result: &upstream.TokenResult{AccessToken: "new-up-access", RefreshToken: "new-up-refresh"},
	}
	svc := jwtTestService(t, WithUpstreamRefresher(refresher))

	first, err := svc.IssueTokens(ctx, testClaims(), "up-access", "up-refresh", []string{"openid"}, "client-1")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)

	// The new refresh record carries the rotated upstream tokens.
	var record refreshRecord
	found, err := svc.cache.Get(ctx, refreshKeyPrefix+second.RefreshToken, &record)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new-up-access", record.UpstreamAccessToken)
	assert.Equal(t, "new-up-refresh", record.UpstreamRefreshToken)
}

func TestRefreshContinuesWhenUpstreamRotationFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	refresher := &stubRefresher{err: errors.New("upstream down")}
	svc := jwtTestService(t, WithUpstreamRefresher(refresher))

	first, err := svc.IssueTokens(ctx, testClaims(), "up-access", "up-refresh", []string{"openid"}, "client-1")
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken, "client-1")
	require.NoError(t, err)

	var record refreshRecord
	found, err := svc.cache.Get(ctx, refreshKeyPrefix+second.RefreshToken, &record)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "up-access", record.UpstreamAccessToken)
	assert.Equal(t, "up-refresh", record.UpstreamRefreshToken)
}

func TestSigningAlgorithms(t *testing.T) {
	t.Parallel()

	svc := jwtTestService(t)
	assert.Equal(t, []string{jwa.RS256().String()}, svc.SigningAlgorithms())
}

func TestClaimHelpers(t *testing.T) {
	t.Parallel()

	claims := testClaims()

	v, ok := Lookup(claims, ClaimEmail)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", v)

	_, ok = Lookup(claims, ClaimPicture)
	assert.False(t, ok)

	claims = Replace(claims, ClaimNameIdentifier, "7")
	v, _ = Lookup(claims, ClaimNameIdentifier)
	assert.Equal(t, "7", v)

	claims = Replace(claims, ClaimPicture, "https://example.com/p.png")
	v, _ = Lookup(claims, ClaimPicture)
	assert.Equal(t, "https://example.com/p.png", v)
}
