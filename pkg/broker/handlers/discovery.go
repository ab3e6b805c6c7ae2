// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"mcpbroker/pkg/broker/clients"
	"mcpbroker/pkg/broker/pkce"
)

// ServerMetadata is the RFC 8414 authorization server metadata document,
// also served as the OIDC discovery document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ClientIDMetadataDocumentSupported bool     `json:"client_id_metadata_document_supported,omitempty"`
}

// Metadata serves /.well-known/oauth-authorization-server and
// /.well-known/openid-configuration.
func (h *Handler) Metadata(w http.ResponseWriter, _ *http.Request) {
	metadata := &ServerMetadata{
		Issuer:                 h.issuer,
		AuthorizationEndpoint:  h.issuer + "/oauth/authorize",
		TokenEndpoint:          h.issuer + "/oauth/token",
		JWKSURI:                h.issuer + "/.well-known/jwks.json",
		ScopesSupported:        h.scopesSupported,
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			clients.GrantAuthorizationCode,
			clients.GrantRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			clients.AuthMethodSecretPost,
			clients.AuthMethodSecretBasic,
			clients.AuthMethodNone,
		},
		CodeChallengeMethodsSupported:     []string{pkce.ChallengeMethodS256},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  h.signingAlgs,
		ClientIDMetadataDocumentSupported: h.clientIDMetadataDoc,
	}
	if h.registrationEnabled {
		metadata.RegistrationEndpoint = h.issuer + "/oauth/register"
	}

	writeJSON(w, http.StatusOK, metadata)
}

// JWKS serves the public signing keys at /.well-known/jwks.json.
func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jwks)
}
