// SPDX-License-Identifier: Apache-2.0

// Package pkce implements PKCE (RFC 7636) primitives for both legs of the
// brokered authorization flow, and stores the per-attempt session state
// that correlates them across request boundaries.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// ChallengeMethodS256 is the only supported PKCE challenge method.
const ChallengeMethodS256 = "S256"

// GenerateCodeChallengePair generates a fresh code_verifier and its S256
// code_challenge for the upstream leg of the flow. The verifier is 32
// cryptographically random bytes, base64url encoded without padding
// (43 characters), per RFC 7636 Section 4.1.
func GenerateCodeChallengePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a random state value: 32 cryptographically random
// bytes, base64url encoded without padding.
func GenerateState() string {
	b := make([]byte, 32)
	// rand.Read never returns an error on supported platforms; it panics
	// on catastrophic failure, which is the right behavior here.
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// VerifyCodeVerifier checks that base64url(sha256(verifier)) equals the
// expected challenge using a constant-time comparison.
func VerifyCodeVerifier(verifier, expectedChallenge string) bool {
	if verifier == "" || expectedChallenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expectedChallenge)) == 1
}
