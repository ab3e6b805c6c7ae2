// SPDX-License-Identifier: Apache-2.0

// Package clients manages the OAuth clients known to the broker: static
// configuration, RFC 7591 dynamic registration, credential validation,
// and redirect URI matching.
package clients

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Token endpoint authentication methods accepted by the broker.
const (
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodNone        = "none"
)

// Grant types the broker issues tokens for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client is a registered OAuth client. The client secret is held only as a
// SHA-256 digest; the plaintext secret is returned exactly once, at
// registration time.
type Client struct {
	// ID is the opaque, globally unique client identifier.
	ID string `json:"id"`

	// Name is the human-readable client name.
	Name string `json:"name,omitempty"`

	// SecretDigest is the SHA-256 digest of the client secret. Empty for
	// public clients.
	SecretDigest []byte `json:"secret_digest,omitempty"`

	// RedirectURIs is the set of registered absolute redirect URIs.
	// Matching is exact (case-insensitive scheme and host).
	RedirectURIs []string `json:"redirect_uris"`

	// GrantTypes the client may use.
	GrantTypes []string `json:"grant_types"`

	// Scopes the client may request.
	Scopes []string `json:"scopes,omitempty"`

	// TokenEndpointAuthMethod is one of client_secret_post,
	// client_secret_basic, or none.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// CreatedAt is when the client was registered.
	CreatedAt time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates with no secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// VerifySecret compares the presented secret against the stored digest in
// constant time. Public clients verify only when no secret is presented.
func (c *Client) VerifySecret(secret string) bool {
	if len(c.SecretDigest) == 0 {
		return secret == ""
	}
	digest := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(digest[:], c.SecretDigest) == 1
}

// HasGrantType reports whether the client is registered for grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// MatchesRedirectURI reports whether uri exactly matches one of the
// registered redirect URIs. Scheme and host compare case-insensitively;
// path and query must match exactly.
func (c *Client) MatchesRedirectURI(uri string) bool {
	presented, err := url.Parse(uri)
	if err != nil {
		return false
	}
	for _, registered := range c.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if redirectURIEqual(reg, presented) {
			return true
		}
	}
	return false
}

// RedirectURIsMatch reports whether two redirect URIs are equal under the
// matching rules: case-insensitive scheme and host, exact path and query.
// URIs that fail to parse fall back to an exact string comparison.
func RedirectURIsMatch(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return redirectURIEqual(ua, ub)
}

func redirectURIEqual(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Path == b.Path &&
		a.RawQuery == b.RawQuery
}

func hashSecret(secret string) []byte {
	digest := sha256.Sum256([]byte(secret))
	return digest[:]
}
