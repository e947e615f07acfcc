package middleware

import (
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
)

// Verifier authenticates a request and returns the resulting Principal.
// Implementations (bearer/JWT/basic/API-key) live in pkg/auth; middleware
// only needs the function shape.
type Verifier func(*Context) (principal any, err error)

// RequireAuth authenticates ctx.Request with verify and stores the result
// on the Context under "principal" for guards and handlers to read. Name
// is prefixed "guard:" so AllowAnonymous(true) suppresses it.
func RequireAuth(name string, priority int, verify Verifier) Entry {
	return Entry{Name: "guard:" + name, Priority: priority, Handler: func(ctx *Context, next Next) error {
		principal, err := verify(ctx)
		if err != nil {
			return err
		}
		ctx.Set("principal", principal)
		return next(ctx)
	}}
}

// RoleChecker reports whether a principal satisfies a role/permission
// lookup, so guards stay decoupled from pkg/auth's concrete Principal type.
type RoleChecker func(ctx *Context) bool

// RequireRole builds a guard entry that rejects with Forbidden unless check
// passes. requireAll/any semantics are the caller's responsibility to embed
// into check (e.g. types.Principal.HasRole combinations).
func RequireRole(name string, priority int, check RoleChecker) Entry {
	return requireGuard("guard:role:"+name, priority, check, "missing required role")
}

// RequirePermission builds a guard entry for a permission check.
func RequirePermission(name string, priority int, check RoleChecker) Entry {
	return requireGuard("guard:permission:"+name, priority, check, "missing required permission")
}

// RequirePolicy builds a guard entry for a named, arbitrary policy
// evaluation (e.g. attribute-based access control).
func RequirePolicy(name string, priority int, check RoleChecker) Entry {
	return requireGuard("guard:policy:"+name, priority, check, "policy denied request")
}

func requireGuard(name string, priority int, check RoleChecker, message string) Entry {
	return Entry{Name: name, Priority: priority, Handler: func(ctx *Context, next Next) error {
		if !check(ctx) {
			return svcerrors.New(svcerrors.Forbidden, message)
		}
		return next(ctx)
	}}
}
