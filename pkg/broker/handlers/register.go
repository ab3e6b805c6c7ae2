// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mcpbroker/pkg/broker/clients"
)

// maxRegistrationBodySize caps registration request bodies (64 KiB).
const maxRegistrationBodySize = 64 << 10

// Register handles POST /oauth/register, the RFC 7591 dynamic client
// registration endpoint.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.registrationEnabled {
		writeOAuthError(w, http.StatusBadRequest, ErrorRegistrationNotSupported,
			"Dynamic client registration is disabled")
		return
	}

	var req clients.RegistrationRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodySize))
	if err := decoder.Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "Malformed registration request")
		return
	}

	resp, err := h.clients.Register(r.Context(), &req)
	if err != nil {
		var regErr *clients.RegistrationError
		switch {
		case errors.As(err, &regErr):
			writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, regErr.Description)
		case errors.Is(err, clients.ErrRegistrationDisabled):
			writeOAuthError(w, http.StatusBadRequest, ErrorRegistrationNotSupported,
				"Dynamic client registration is disabled")
		default:
			slog.Error("client registration failed", "error", err)
			writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
