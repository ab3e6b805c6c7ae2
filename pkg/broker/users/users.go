// SPDX-License-Identifier: Apache-2.0

// Package users maps upstream identities to local numeric user IDs,
// auto-provisioning accounts on first login.
package users

import (
	"context"
)

// Profile carries the upstream profile fields persisted alongside a user.
type Profile struct {
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
	Provider   string
}

// Resolver resolves an upstream identity to a local numeric user ID.
type Resolver interface {
	// Resolve looks up the local user by email, provisioning a new
	// account from the profile when none exists. It returns an error
	// only on infrastructure failure; the authorization flow proceeds
	// without a local ID in that case.
	Resolve(ctx context.Context, email, upstreamAccessToken string, profile Profile) (int64, error)
}
