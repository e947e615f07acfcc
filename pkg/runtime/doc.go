// Package runtime wires a Service to a Listener and a Registry and drives
// its lifecycle: listen, register, serve until a signal or server error,
// then the §5 shutdown sequence (application hooks, deregister, unsubscribe,
// stop broker, stop server, close pools) in that fixed order.
package runtime
