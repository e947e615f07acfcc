package auth

import (
	"encoding/base64"
	"strings"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/types"
)

// BasicCredentialChecker resolves a username/password pair to a Principal,
// or an error if the credentials are invalid.
type BasicCredentialChecker func(user, pass string) (*types.Principal, error)

// BasicGuard builds a middleware entry that decodes a "Basic <base64>"
// Authorization header and resolves it via check.
func BasicGuard(priority int, check BasicCredentialChecker) middleware.Entry {
	return middleware.RequireAuth("basic", priority, func(ctx *middleware.Context) (any, error) {
		header := ctx.Request.Headers.Get("Authorization")
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return nil, svcerrors.New(svcerrors.Unauthorized, "missing basic credentials")
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
		if err != nil {
			return nil, svcerrors.Wrap(svcerrors.Unauthorized, err, "malformed basic credentials")
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return nil, svcerrors.New(svcerrors.Unauthorized, "malformed basic credentials")
		}
		return check(user, pass)
	})
}
