// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
)

// ErrInvalidRefreshToken is returned by Refresh for unknown, expired,
// already-rotated, or client-mismatched refresh tokens. The handler layer
// maps it to invalid_grant.
var ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")

// TokenResponse is the RFC 6749 token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Service issues and refreshes broker token pairs.
type Service interface {
	// IssueTokens mints an access/refresh token pair for the given
	// claims. The upstream tokens are bound to the refresh token so
	// later refresh cycles can rotate upstream credentials as well.
	IssueTokens(
		ctx context.Context,
		claims []Claim,
		upstreamAccessToken string,
		upstreamRefreshToken string,
		scopes []string,
		clientID string,
	) (*TokenResponse, error)

	// Refresh validates the refresh token's binding to clientID and
	// issues a new token pair. The presented refresh token is
	// invalidated: rotation is single-use.
	Refresh(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error)
}
