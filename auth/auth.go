// Package auth defines the authentication contract between the HTTP surface
// and token validation. Validation failures collapse to ErrUnauthorized at
// the boundary; the underlying cause is preserved for logs only and never
// distinguished to callers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. All token failure modes (malformed, bad signature, expired,
// wrong tenant) wrap this error.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the validated payload of a signed token. Immutable once parsed;
// scoped to a single request or stream.
type Claims struct {
	// Subject is the authenticated principal ("sub").
	Subject string

	// TenantID is the tenant the token is scoped to, when the token carries
	// one. Empty means the token did not declare a tenant.
	TenantID string

	// Raw holds the full claims object the token carried (after any
	// payload-path extraction).
	Raw map[string]any
}

// Decode unmarshals the raw claims into ref.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(c.Raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates bearer tokens and returns the associated claims.
// It must return an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Claims, error)
}
