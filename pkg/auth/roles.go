package auth

import (
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/types"
)

// PrincipalOf reads the Principal a guard stashed on ctx during
// authentication, or nil if none ran.
func PrincipalOf(ctx *middleware.Context) *types.Principal {
	v, ok := ctx.Get("principal")
	if !ok {
		return nil
	}
	p, _ := v.(*types.Principal)
	return p
}

// RoleCheck builds a middleware.RoleChecker requiring the Principal to
// carry roles (all of them if requireAll, any one otherwise).
func RoleCheck(requireAll bool, roles ...string) middleware.RoleChecker {
	return func(ctx *middleware.Context) bool {
		p := PrincipalOf(ctx)
		if p == nil {
			return false
		}
		return matchAll(requireAll, roles, p.HasRole)
	}
}

// PermissionCheck builds a middleware.RoleChecker requiring the Principal
// to carry permissions (all of them if requireAll, any one otherwise).
func PermissionCheck(requireAll bool, permissions ...string) middleware.RoleChecker {
	return func(ctx *middleware.Context) bool {
		p := PrincipalOf(ctx)
		if p == nil {
			return false
		}
		return matchAll(requireAll, permissions, p.HasPermission)
	}
}

func matchAll(requireAll bool, want []string, has func(string) bool) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if has(w) {
			if !requireAll {
				return true
			}
		} else if requireAll {
			return false
		}
	}
	return requireAll
}
