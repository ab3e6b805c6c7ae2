// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"net/url"
	"slices"
	"strings"
)

// Validation limits to prevent abuse via oversized registration requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed
	// per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256
)

// RegistrationRequest is an OAuth 2.0 Dynamic Client Registration request
// per RFC 7591 Section 2.
type RegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs. Required; every URI
	// must be absolute.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod is the requested token endpoint
	// authentication method. Defaults to "none" (public client).
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes the client intends to use. Defaults to
	// ["authorization_code", "refresh_token"].
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes the client intends to use. Defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty"`

	// Scope is the space-delimited set of requested scopes.
	Scope string `json:"scope,omitempty"`
}

// RegistrationResponse is a successful registration response per RFC 7591
// Section 3.2.1. ClientSecret is present only for confidential clients and
// only in this response.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationError is a registration validation failure. The handler
// layer serializes it as an OAuth error response.
type RegistrationError struct {
	Description string
}

func (e *RegistrationError) Error() string {
	return e.Description
}

func regErr(description string) *RegistrationError {
	return &RegistrationError{Description: description}
}

var defaultGrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}

var allowedGrantTypes = map[string]bool{
	GrantAuthorizationCode: true,
	GrantRefreshToken:      true,
}

var allowedAuthMethods = map[string]bool{
	AuthMethodNone:        true,
	AuthMethodSecretPost:  true,
	AuthMethodSecretBasic: true,
}

// validatedRegistration is a RegistrationRequest with defaults applied and
// the scope string parsed.
type validatedRegistration struct {
	RedirectURIs            []string
	ClientName              string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
}

func validateRegistrationRequest(req *RegistrationRequest, defaultScopes []string) (*validatedRegistration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, regErr("redirect_uris is required")
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, regErr("too many redirect_uris (maximum 10)")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURIFormat(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, regErr("client_name too long (maximum 256 characters)")
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodNone
	}
	if !allowedAuthMethods[authMethod] {
		return nil, regErr("unsupported token_endpoint_auth_method: " + authMethod)
	}

	grantTypes, err := validateGrantTypes(req.GrantTypes)
	if err != nil {
		return nil, err
	}

	responseTypes, err := validateResponseTypes(req.ResponseTypes)
	if err != nil {
		return nil, err
	}

	scopes := splitScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(defaultScopes)
	}

	return &validatedRegistration{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, error) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	if !slices.Contains(grantTypes, GrantAuthorizationCode) {
		return nil, regErr("grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, regErr("unsupported grant_type: " + gt)
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, error) {
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, regErr("unsupported response_type: " + rt)
		}
	}
	return responseTypes, nil
}

// validateRedirectURIFormat requires an absolute URI with a scheme and, for
// http(s), a host. Fragments are forbidden per RFC 6749 Section 3.1.2.
func validateRedirectURIFormat(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return regErr("invalid redirect_uri: " + uri)
	}
	if !parsed.IsAbs() {
		return regErr("redirect_uri must be absolute: " + uri)
	}
	if (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host == "" {
		return regErr("redirect_uri must include a host: " + uri)
	}
	if parsed.Fragment != "" {
		return regErr("redirect_uri must not contain a fragment: " + uri)
	}
	return nil
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
