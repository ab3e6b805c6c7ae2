// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mcpbroker/pkg/broker/tokens"
	"mcpbroker/pkg/broker/upstream"
	"mcpbroker/pkg/broker/users"
)

const authCodeKeyPrefix = "oauth_auth_code_"

// authCodeBytes is the entropy of broker authorization codes (256 bits).
const authCodeBytes = 32

// authCodeRecord is the state bound to one broker authorization code
// between callback and redemption.
type authCodeRecord struct {
	ClientID             string         `json:"client_id"`
	RedirectURI          string         `json:"redirect_uri"`
	ClientChallenge      string         `json:"client_challenge"`
	Claims               []tokens.Claim `json:"claims"`
	UpstreamAccessToken  string         `json:"upstream_access_token,omitempty"`
	UpstreamRefreshToken string         `json:"upstream_refresh_token,omitempty"`
	Scopes               []string       `json:"scopes"`
	CreatedAt            time.Time      `json:"created_at"`
	ExpiresAt            time.Time      `json:"expires_at"`
}

// Callback handles GET /oauth/callback/{provider}: the upstream provider
// redirects here after the user authenticates. The broker exchanges the
// upstream code, resolves the user, mints its own authorization code, and
// redirects back to the client.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	// An upstream denial terminates the attempt. When the pending session
	// is still recoverable the error goes to the client's redirect URI;
	// otherwise there is nowhere safe to send the user agent.
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		slog.Warn("upstream provider returned error",
			"provider", provider,
			"error", upstreamErr,
		)
		clientState, ok := h.pkce.ConsumeStateMapping(ctx, q.Get("state"))
		if ok {
			if session, ok := h.pkce.ConsumeSession(ctx, clientState); ok {
				redirectError(w, r, session.RedirectURI, ErrorAccessDenied,
					"The upstream provider denied the request", clientState)
				return
			}
		}
		writeOAuthError(w, http.StatusBadRequest, ErrorAccessDenied,
			"The upstream provider denied the request")
		return
	}

	code := q.Get("code")
	upstreamState := q.Get("state")
	if code == "" || upstreamState == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code and state are required")
		return
	}

	// Both lookups are single-use: a replayed callback fails here.
	clientState, ok := h.pkce.ConsumeStateMapping(ctx, upstreamState)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Invalid or expired state")
		return
	}
	session, ok := h.pkce.ConsumeSession(ctx, clientState)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Invalid or expired state")
		return
	}
	if session.Provider != provider {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Invalid or expired state")
		return
	}

	// No retry: the user has already authenticated, so a failed exchange
	// needs a fresh authorization round.
	result, err := h.upstream.ExchangeCode(ctx, provider, code, session.UpstreamVerifier)
	if err != nil {
		slog.Warn("upstream code exchange failed", "provider", provider, "error", err)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"Failed to exchange authorization code with upstream provider")
		return
	}

	claims := h.resolveClaims(ctx, provider, result)

	brokerCode, err := h.mintAuthCode(ctx, session.ClientID, session.RedirectURI,
		session.ClientChallenge, claims, result, session.Scopes)
	if err != nil {
		slog.Error("failed to store authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}

	params := url.Values{
		"code":  {brokerCode},
		"state": {clientState},
	}
	slog.Debug("authorization attempt awaiting redemption",
		"client_id", session.ClientID,
		"provider", provider,
	)
	http.Redirect(w, r, session.RedirectURI+"?"+params.Encode(), http.StatusFound)
}

// resolveClaims builds the claim set from the upstream profile and swaps
// the upstream subject for the local numeric user ID when resolution
// succeeds. Resolution failure is logged, never fatal: tokens are still
// issued under the upstream subject.
func (h *Handler) resolveClaims(ctx context.Context, provider string, result *upstream.TokenResult) []tokens.Claim {
	info := &result.UserInfo
	claims := []tokens.Claim{
		{Type: tokens.ClaimNameIdentifier, Value: info.ID},
		{Type: tokens.ClaimProvider, Value: provider},
	}
	for _, c := range []tokens.Claim{
		{Type: tokens.ClaimEmail, Value: info.Email},
		{Type: tokens.ClaimName, Value: info.Name},
		{Type: tokens.ClaimGivenName, Value: info.GivenName},
		{Type: tokens.ClaimSurname, Value: info.FamilyName},
		{Type: tokens.ClaimPicture, Value: info.Picture},
	} {
		if c.Value != "" {
			claims = append(claims, c)
		}
	}

	if h.users == nil || info.Email == "" {
		return claims
	}

	userID, err := h.users.Resolve(ctx, info.Email, result.AccessToken, users.Profile{
		Name:       info.Name,
		GivenName:  info.GivenName,
		FamilyName: info.FamilyName,
		Picture:    info.Picture,
		Provider:   provider,
	})
	if err != nil {
		slog.Error("user resolution failed", "provider", provider, "error", err)
		return claims
	}

	return tokens.Replace(claims, tokens.ClaimNameIdentifier, strconv.FormatInt(userID, 10))
}

func (h *Handler) mintAuthCode(
	ctx context.Context,
	clientID, redirectURI, clientChallenge string,
	claims []tokens.Claim,
	result *upstream.TokenResult,
	scopes []string,
) (string, error) {
	b := make([]byte, authCodeBytes)
	_, _ = rand.Read(b)
	code := base64.RawURLEncoding.EncodeToString(b)

	now := time.Now()
	record := &authCodeRecord{
		ClientID:             clientID,
		RedirectURI:          redirectURI,
		ClientChallenge:      clientChallenge,
		Claims:               claims,
		UpstreamAccessToken:  result.AccessToken,
		UpstreamRefreshToken: result.RefreshToken,
		Scopes:               scopes,
		CreatedAt:            now,
		ExpiresAt:            now.Add(h.authCodeTTL),
	}
	if err := h.cache.Set(ctx, authCodeKeyPrefix+code, record, h.authCodeTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}
