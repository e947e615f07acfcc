// Package registry implements the service registry of §4.3: register,
// deregister, get-service, list-services and a watch() event stream.
// Memory is the reference driver (process-scoped, permanent until explicit
// deregister); boltstore provides an optional durable driver for deployments
// that want the registry to survive a process restart.
package registry
