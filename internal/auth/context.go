// Package auth verifies externally issued access tokens and service-account
// API keys. Tokens are never minted here; an external identity service signs
// them and this package checks signature, issuer, audience and expiry, then
// extracts the caller identity.
package auth

import "context"

// UserContext is the verified identity attached to a request.
type UserContext struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Tenant   string   `json:"tenant,omitempty"`

	// ServiceAccount marks identities authenticated with an API key.
	ServiceAccount bool `json:"service_account,omitempty"`
}

// HasScope reports whether the token carries the scope. Role identity alone
// never grants anything; the scope set on the token governs.
func (u UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithUser attaches a verified identity to the request context.
func WithUser(ctx context.Context, u UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom extracts the verified identity, if any.
func UserFrom(ctx context.Context) (UserContext, bool) {
	u, ok := ctx.Value(ctxKey{}).(UserContext)
	return u, ok
}
