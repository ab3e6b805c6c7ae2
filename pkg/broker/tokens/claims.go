// SPDX-License-Identifier: Apache-2.0

// Package tokens issues the broker's own access and refresh tokens, bound
// to the resolved user identity, the upstream provider tokens, and the
// authorizing client.
package tokens

// Claim types carried through the authorization flow. The values mirror
// the standard OIDC claim names where one exists.
const (
	// ClaimNameIdentifier is the subject identifier. After user
	// resolution it holds the local numeric user ID; before resolution
	// (or when resolution fails) it holds the upstream subject.
	ClaimNameIdentifier = "name_identifier"

	ClaimEmail     = "email"
	ClaimName      = "name"
	ClaimGivenName = "given_name"
	ClaimSurname   = "family_name"
	ClaimPicture   = "picture"

	// ClaimProvider names the upstream provider that authenticated the
	// user.
	ClaimProvider = "provider"
)

// Claim is a single {type, value} pair. Claims use this plain shape so
// they round-trip through JSON cache entries without loss.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Lookup returns the value of the first claim of the given type.
func Lookup(claims []Claim, claimType string) (string, bool) {
	for _, c := range claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}

// Replace sets the value of the first claim of the given type, appending a
// new claim when none exists, and returns the updated slice.
func Replace(claims []Claim, claimType, value string) []Claim {
	for i, c := range claims {
		if c.Type == claimType {
			claims[i].Value = value
			return claims
		}
	}
	return append(claims, Claim{Type: claimType, Value: value})
}
