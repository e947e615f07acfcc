/*
Package metrics defines and registers the Prometheus collectors exposed by
the toolkit: registry size, pool utilization/pressure/health, circuit
breaker state, client and service dispatch counters, broker fan-out
counters, and the gateway's request/cache/latency counters. All metrics are
registered at package init and exposed via Handler() for a `/metrics` route.

A Timer helper times an operation and records it to a histogram:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.ClientRequestDuration, "billing")
*/
package metrics
