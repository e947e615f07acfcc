// Package middleware implements the §4.6 interceptor chain and its builtin
// catalog: request ID stamping, structured logging, timing, panic recovery,
// taxonomy error handling, deadlines, CORS, compression, request size
// limits, token-bucket rate limiting, and role/permission/policy guards.
package middleware
