// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// RFC 6749 / RFC 7591 error codes emitted by the broker.
const (
	ErrorInvalidRequest           = "invalid_request"
	ErrorInvalidClient            = "invalid_client"
	ErrorInvalidGrant             = "invalid_grant"
	ErrorUnsupportedGrantType     = "unsupported_grant_type"
	ErrorUnsupportedResponseType  = "unsupported_response_type"
	ErrorAccessDenied             = "access_denied"
	ErrorRegistrationNotSupported = "registration_not_supported"
	ErrorServerError              = "server_error"
)

// OAuthError is the RFC 6749 Section 5.2 error payload.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &OAuthError{Code: code, Description: description})
}

// redirectError sends the error to the client's redirect URI per RFC 6749
// Section 4.1.2.1, echoing the client's state.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, redirectURI+"?"+params.Encode(), http.StatusFound)
}
