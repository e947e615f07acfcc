package auth

import (
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/types"
)

// APIKeyLookup resolves a raw API key to a Principal, or an error if the
// key is unknown/revoked.
type APIKeyLookup func(key string) (*types.Principal, error)

// APIKeyGuard builds a middleware entry that reads header (e.g. "X-Api-Key")
// and resolves it via lookup.
func APIKeyGuard(priority int, header string, lookup APIKeyLookup) middleware.Entry {
	return middleware.RequireAuth("api_key", priority, func(ctx *middleware.Context) (any, error) {
		key := ctx.Request.Headers.Get(header)
		if key == "" {
			return nil, svcerrors.New(svcerrors.Unauthorized, "missing API key")
		}
		return lookup(key)
	})
}
