// Package auth bridges types.Principal to the middleware guard catalog:
// bearer/JWT token verification, HTTP basic credential checks, and API-key
// lookups, plus role/permission checkers built from a Principal.
package auth
