// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware stores the caller's identity and request metadata; the audit
// wrapper snapshots them when an audited operation is entered. Keeping this
// package free of net/http lets services import it without HTTP code.
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithPrincipal(ctx, &requestcontext.Principal{Subject: "alice", Origin: ip})
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in services and resolvers (read values):
//
//	p := requestcontext.PrincipalFrom(ctx)
//	requestID := requestcontext.RequestID(ctx)
package requestcontext

import (
	"context"
)

// Context key types (unexported for encapsulation).
type (
	principalKey struct{}
	requestIDKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyPrincipal = principalKey{}
	ContextKeyRequestID = requestIDKey{}
)

// Principal is the identity attached to a request.
type Principal struct {
	// Subject identifies who acts, usually a user name or client ID.
	Subject string
	// Origin is where the request came from, usually the client IP address.
	Origin string
	// Agent summarizes the client software, e.g. "Firefox 120.0 (Linux x86_64)".
	Agent string
	Roles []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Principal
// -----------------------------------------------------------------------------

// PrincipalFrom retrieves the principal from the context.
// Returns nil if not set.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ContextKeyPrincipal).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal injects a principal into the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
