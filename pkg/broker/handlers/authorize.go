// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"mcpbroker/pkg/broker/pkce"
	"mcpbroker/pkg/broker/upstream"
)

// Authorize handles GET /oauth/authorize: it validates the client's
// request, stages the PKCE session for the attempt, and redirects the
// user agent to the upstream provider. Validation is fail-fast; nothing
// is persisted until every check passes.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		writeOAuthError(w, http.StatusBadRequest, ErrorUnsupportedResponseType,
			"Only response_type=code is supported")
		return
	}

	if q.Get("code_challenge_method") != pkce.ChallengeMethodS256 {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code_challenge_method must be S256")
		return
	}

	clientChallenge := q.Get("code_challenge")
	clientState := q.Get("state")
	if clientChallenge == "" || clientState == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code_challenge and state are required")
		return
	}

	clientID := q.Get("client_id")
	client, err := h.clients.Validate(ctx, clientID)
	if err != nil {
		slog.Info("authorization request from unknown client", "client_id", clientID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidClient, "Unknown client")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !client.MatchesRedirectURI(redirectURI) {
		slog.Info("authorization request with unregistered redirect_uri", "client_id", clientID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Invalid redirect_uri")
		return
	}

	provider := q.Get("provider")
	if provider == "" {
		provider = upstream.DefaultProvider
	}
	if !h.upstream.IsSupported(provider) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"Unsupported provider: "+provider)
		return
	}

	scopes := strings.Fields(q.Get("scope"))
	if len(scopes) == 0 {
		scopes = slices.Clone(h.scopesSupported)
	}

	upstreamState := pkce.GenerateState()
	upstreamVerifier, upstreamChallenge := pkce.GenerateCodeChallengePair()

	session := &pkce.Session{
		UpstreamVerifier: upstreamVerifier,
		ClientChallenge:  clientChallenge,
		ClientID:         clientID,
		RedirectURI:      redirectURI,
		Scopes:           scopes,
		Provider:         provider,
	}
	if err := h.pkce.StoreSession(ctx, clientState, session); err != nil {
		slog.Error("failed to store pkce session", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}
	if err := h.pkce.StoreStateMapping(ctx, upstreamState, clientState); err != nil {
		slog.Error("failed to store state mapping", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}

	// The upstream leg gets broker-generated scopes, not the client's: the
	// client's scopes describe broker tokens, the provider's describe the
	// userinfo access the broker needs.
	authURL, err := h.upstream.AuthorizationURL(provider, upstreamState, upstreamChallenge, nil)
	if err != nil {
		slog.Error("failed to build upstream authorization url", "provider", provider, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		return
	}

	slog.Debug("authorization attempt started",
		"client_id", clientID,
		"provider", provider,
		"scopes", scopes,
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}
