// Package authz implements the external authorization service a
// proffered entry consults before invoking a factory for a
// registration that disallows guest clients: a single well-known
// "client is owner" check over the caller's credentials.
package authz

import "context"

// Client is the authorization-service contract a ProfferedEntry
// acquires through the secure view before running its factory.
// Ownership of the client may pass to an AuthorizingFactory so it can
// reuse the same authorization decision for nested requests.
type Client interface {
	// IsClientOwner reports whether the caller identified by creds
	// owns the connection it is operating on.
	IsClientOwner(ctx context.Context, creds map[string]string) (bool, error)
}

// AllowAll is a Client that always reports ownership; useful for
// tests and for local-only deployments that never see a guest client.
type AllowAll struct{}

func (AllowAll) IsClientOwner(ctx context.Context, creds map[string]string) (bool, error) {
	return true, nil
}

// DenyAll is a Client that never reports ownership.
type DenyAll struct{}

func (DenyAll) IsClientOwner(ctx context.Context, creds map[string]string) (bool, error) {
	return false, nil
}
