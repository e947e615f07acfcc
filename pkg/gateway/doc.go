// Package gateway implements the HTTP↔RPC bridge of §4.10: a Router
// matching method+path to a registered Route, a Proxy per backend service
// wrapping a discovery-aware client, a Handler tying route lookup, caching,
// parameter extraction, aggregation and response transformation together
// behind one http.Handler, plus the built-in /docs, /health and /metrics
// endpoints.
package gateway
