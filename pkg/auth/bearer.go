package auth

import (
	"strings"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/middleware"
)

// BearerGuard builds a middleware entry that extracts a "Bearer <token>"
// Authorization header and resolves it via v.
func BearerGuard(priority int, v *JWTVerifier) middleware.Entry {
	return middleware.RequireAuth("bearer", priority, func(ctx *middleware.Context) (any, error) {
		header := ctx.Request.Headers.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return nil, svcerrors.New(svcerrors.Unauthorized, "missing bearer token")
		}
		return v.Verify(strings.TrimPrefix(header, prefix))
	})
}
