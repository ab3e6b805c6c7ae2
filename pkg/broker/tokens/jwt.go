// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"mcpbroker/pkg/broker/cache"
	"mcpbroker/pkg/broker/upstream"
)

const refreshKeyPrefix = "oauth_refresh_token_"

// refreshTokenBytes is the entropy of opaque refresh tokens (256 bits).
const refreshTokenBytes = 32

// Default token lifetimes.
const (
	DefaultAccessTokenLifetime  = time.Hour
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
)

// jwkThumbprintHash is the hash used to derive key IDs (RFC 7638).
const jwkThumbprintHash = crypto.SHA256

// UpstreamRefresher rotates upstream provider tokens during a broker
// refresh cycle. *upstream.Registry satisfies this.
type UpstreamRefresher interface {
	RefreshTokens(ctx context.Context, provider, refreshToken string) (*upstream.TokenResult, error)
}

// refreshRecord is the persisted state bound to one opaque refresh token.
type refreshRecord struct {
	ClientID             string    `json:"client_id"`
	Claims               []Claim   `json:"claims"`
	UpstreamAccessToken  string    `json:"upstream_access_token,omitempty"`
	UpstreamRefreshToken string    `json:"upstream_refresh_token,omitempty"`
	Scopes               []string  `json:"scopes"`
	CreatedAt            time.Time `json:"created_at"`
}

// JWTService implements Service with RS256-signed JWT access tokens and
// opaque refresh tokens persisted in the broker cache.
type JWTService struct {
	issuer      string
	signingKey  jwk.Key
	publicJWKS  jwk.Set
	cache       cache.Cache
	accessTTL   time.Duration
	refreshTTL  time.Duration
	upstreamRef UpstreamRefresher
}

var _ Service = (*JWTService)(nil)

// JWTServiceOption configures a JWTService.
type JWTServiceOption func(*JWTService)

// WithAccessTokenLifetime overrides the access token lifetime.
func WithAccessTokenLifetime(d time.Duration) JWTServiceOption {
	return func(s *JWTService) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithRefreshTokenLifetime overrides the refresh token lifetime.
func WithRefreshTokenLifetime(d time.Duration) JWTServiceOption {
	return func(s *JWTService) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// WithUpstreamRefresher enables upstream token rotation during refresh
// cycles.
func WithUpstreamRefresher(r UpstreamRefresher) JWTServiceOption {
	return func(s *JWTService) {
		s.upstreamRef = r
	}
}

// NewJWTService creates the token service. The key ID is derived from the
// key so that JWKS consumers can correlate tokens with keys across
// restarts of the same key material.
func NewJWTService(issuer string, key *rsa.PrivateKey, c cache.Cache, opts ...JWTServiceOption) (*JWTService, error) {
	signingKey, err := jwk.Import(key)
	if err != nil {
		return nil, fmt.Errorf("failed to import signing key: %w", err)
	}

	thumbprint, err := signingKey.Thumbprint(jwkThumbprintHash)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	keyID := base64.RawURLEncoding.EncodeToString(thumbprint)

	if err := signingKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := signingKey.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, fmt.Errorf("failed to set key algorithm: %w", err)
	}

	publicKey, err := jwk.PublicKeyOf(signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	if err := publicKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	publicJWKS := jwk.NewSet()
	if err := publicJWKS.AddKey(publicKey); err != nil {
		return nil, fmt.Errorf("failed to build public JWKS: %w", err)
	}

	s := &JWTService{
		issuer:     issuer,
		signingKey: signingKey,
		publicJWKS: publicJWKS,
		cache:      c,
		accessTTL:  DefaultAccessTokenLifetime,
		refreshTTL: DefaultRefreshTokenLifetime,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PublicJWKS returns the public key set served at /.well-known/jwks.json.
func (s *JWTService) PublicJWKS() jwk.Set {
	return s.publicJWKS
}

// SigningAlgorithms returns the algorithms tokens are signed with, for
// discovery metadata.
func (*JWTService) SigningAlgorithms() []string {
	return []string{jwa.RS256().String()}
}

// IssueTokens mints an access/refresh token pair.
func (s *JWTService) IssueTokens(
	ctx context.Context,
	claims []Claim,
	upstreamAccessToken string,
	upstreamRefreshToken string,
	scopes []string,
	clientID string,
) (*TokenResponse, error) {
	accessToken, err := s.signAccessToken(claims, scopes, clientID)
	if err != nil {
		return nil, err
	}

	refreshToken := generateRefreshToken()
	record := &refreshRecord{
		ClientID:             clientID,
		Claims:               claims,
		UpstreamAccessToken:  upstreamAccessToken,
		UpstreamRefreshToken: upstreamRefreshToken,
		Scopes:               scopes,
		CreatedAt:            time.Now(),
	}
	if err := s.cache.Set(ctx, refreshKeyPrefix+refreshToken, record, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// Refresh rotates the token pair. The presented refresh token is consumed
// atomically, so replay of a rotated token fails for every later caller.
func (s *JWTService) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	var record refreshRecord
	found, err := s.cache.Consume(ctx, refreshKeyPrefix+refreshToken, &record)
	if err != nil {
		slog.Warn("refresh token lookup failed", "error", err)
		return nil, ErrInvalidRefreshToken
	}
	if !found {
		return nil, ErrInvalidRefreshToken
	}

	// The token was already consumed; a binding mismatch burns it rather
	// than leaving it usable by whoever holds the right client_id.
	if record.ClientID != clientID {
		slog.Warn("refresh token client binding mismatch", "client_id", clientID)
		return nil, ErrInvalidRefreshToken
	}

	upstreamAccess := record.UpstreamAccessToken
	upstreamRefresh := record.UpstreamRefreshToken
	if s.upstreamRef != nil && upstreamRefresh != "" {
		if provider, ok := Lookup(record.Claims, ClaimProvider); ok {
			rotated, err := s.upstreamRef.RefreshTokens(ctx, provider, upstreamRefresh)
			if err != nil {
				// Keep the existing upstream tokens; they may still
				// be valid, and the broker pair must refresh
				// regardless.
				slog.Warn("upstream token rotation failed", "provider", provider, "error", err)
			} else {
				upstreamAccess = rotated.AccessToken
				if rotated.RefreshToken != "" {
					upstreamRefresh = rotated.RefreshToken
				}
			}
		}
	}

	return s.IssueTokens(ctx, record.Claims, upstreamAccess, upstreamRefresh, record.Scopes, clientID)
}

func (s *JWTService) signAccessToken(claims []Claim, scopes []string, clientID string) (string, error) {
	subject, _ := Lookup(claims, ClaimNameIdentifier)

	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(subject).
		JwtID(uuid.NewString()).
		IssuedAt(now).
		Expiration(now.Add(s.accessTTL)).
		Claim("client_id", clientID).
		Claim("scope", strings.Join(scopes, " "))

	for _, c := range claims {
		switch c.Type {
		case ClaimNameIdentifier:
			// Already the subject.
		case ClaimProvider:
			builder = builder.Claim("idp", c.Value)
		default:
			builder = builder.Claim(c.Type, c.Value)
		}
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build access token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), s.signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return string(signed), nil
}

func generateRefreshToken() string {
	b := make([]byte, refreshTokenBytes)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
