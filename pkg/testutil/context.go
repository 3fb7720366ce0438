package testutil

import (
	"net/http"

	"audittrail/pkg/requestcontext"
)

// AsPrincipal attaches a principal to req the way the auth middleware does.
func AsPrincipal(req *http.Request, subject string, roles ...string) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), &requestcontext.Principal{
		Subject: subject,
		Origin:  "192.0.2.1",
		Roles:   roles,
	})
	return req.WithContext(ctx)
}
