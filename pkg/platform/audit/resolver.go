package audit

import (
	"strings"

	"audittrail/pkg/requestcontext"
)

// Values reported when the identity snapshot does not carry the field.
const (
	UnknownSubject = "Unknown"
	UnknownOrigin  = "Unknown"
)

// SubjectResolver derives the acting identity from a security snapshot.
type SubjectResolver interface {
	Resolve(security any) string
}

// OriginResolver derives where a request came from from a security snapshot.
type OriginResolver interface {
	Resolve(security any) string
}

// ResolverFunc adapts a function to both resolver interfaces.
type ResolverFunc func(security any) string

// Resolve calls f(security).
func (f ResolverFunc) Resolve(security any) string { return f(security) }

// PrincipalSubject reads Principal.Subject from a *requestcontext.Principal
// snapshot.
type PrincipalSubject struct{}

// Resolve returns the subject or UnknownSubject.
func (PrincipalSubject) Resolve(security any) string {
	if p, ok := security.(*requestcontext.Principal); ok && p != nil && strings.TrimSpace(p.Subject) != "" {
		return p.Subject
	}
	return UnknownSubject
}

// PrincipalOrigin reads Principal.Origin from a *requestcontext.Principal
// snapshot.
type PrincipalOrigin struct{}

// Resolve returns the origin or UnknownOrigin.
func (PrincipalOrigin) Resolve(security any) string {
	if p, ok := security.(*requestcontext.Principal); ok && p != nil && strings.TrimSpace(p.Origin) != "" {
		return p.Origin
	}
	return UnknownOrigin
}
