// Package client implements the discovery-aware client of §4.8: given a
// service name, it resolves nodes from a Registry, picks one via a
// Selector, borrows a connection from a per-address Pool, and sends the
// request with retry (exponential backoff) and an optional per-service
// circuit breaker wrapping the retry loop.
package client
