// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"mcpbroker/pkg/broker/clients"
	"mcpbroker/pkg/broker/pkce"
	"mcpbroker/pkg/broker/tokens"
)

// Token handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Malformed request body")
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		slog.Warn("token request client authentication failed", "error", err)
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidClient, "Client authentication failed")
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case clients.GrantAuthorizationCode:
		h.redeemAuthorizationCode(w, r, client)
	case clients.GrantRefreshToken:
		h.refreshTokens(w, r, client)
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrorUnsupportedGrantType,
			"Unsupported grant_type: "+grantType)
	}
}

// authenticateClient authenticates the token request via HTTP Basic
// (client_secret_basic) or form parameters (client_secret_post and public
// clients).
func (h *Handler) authenticateClient(r *http.Request) (*clients.Client, error) {
	clientID, clientSecret := r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}
	return h.clients.ValidateSecret(r.Context(), clientID, clientSecret)
}

func (h *Handler) redeemAuthorizationCode(w http.ResponseWriter, r *http.Request, client *clients.Client) {
	ctx := r.Context()

	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	codeVerifier := r.PostFormValue("code_verifier")
	if code == "" || redirectURI == "" || codeVerifier == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code, redirect_uri, and code_verifier are required")
		return
	}

	if !client.HasGrantType(clients.GrantAuthorizationCode) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Client is not authorized for the authorization_code grant")
		return
	}

	// Atomic consume: two concurrent redemptions of the same code see
	// exactly one success, and a lost cache entry can never be replayed.
	var record authCodeRecord
	found, err := h.cache.Consume(ctx, authCodeKeyPrefix+code, &record)
	if err != nil {
		slog.Warn("authorization code lookup failed", "error", err)
		found = false
	}
	if !found {
		slog.Warn("authorization code redemption failed", "client_id", client.ID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Invalid or expired authorization code")
		return
	}

	// The code is burned at this point; every later failure is final.
	// The expiry check backs up the cache TTL in case the backend returns
	// a stale entry.
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		slog.Warn("expired authorization code presented", "client_id", client.ID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Invalid or expired authorization code")
		return
	}

	if record.ClientID != client.ID {
		slog.Warn("authorization code presented by wrong client", "client_id", client.ID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Invalid or expired authorization code")
		return
	}

	if !clients.RedirectURIsMatch(record.RedirectURI, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"redirect_uri does not match the authorization request")
		return
	}

	if !pkce.VerifyCodeVerifier(codeVerifier, record.ClientChallenge) {
		slog.Warn("pkce verification failed", "client_id", client.ID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "PKCE verification failed")
		return
	}

	resp, err := h.tokens.IssueTokens(ctx, record.Claims,
		record.UpstreamAccessToken, record.UpstreamRefreshToken,
		record.Scopes, client.ID)
	if err != nil {
		slog.Error("token issuance failed", "client_id", client.ID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}

	slog.Info("authorization code redeemed", "client_id", client.ID)
	writeTokenResponse(w, resp)
}

func (h *Handler) refreshTokens(w http.ResponseWriter, r *http.Request, client *clients.Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "refresh_token is required")
		return
	}

	if !client.HasGrantType(clients.GrantRefreshToken) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Client is not authorized for the refresh_token grant")
		return
	}

	resp, err := h.tokens.Refresh(r.Context(), refreshToken, client.ID)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidRefreshToken) {
			slog.Warn("refresh token rejected", "client_id", client.ID)
			writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
				"Invalid or expired refresh token")
			return
		}
		slog.Error("token refresh failed", "client_id", client.ID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}

	writeTokenResponse(w, resp)
}

func writeTokenResponse(w http.ResponseWriter, resp *tokens.TokenResponse) {
	// RFC 6749 Section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
