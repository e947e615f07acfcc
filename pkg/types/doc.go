/*
Package types holds the data model shared across the toolkit: the wire
Message envelope, the service-layer Request/Response pair, registry
records (Service, Node), the declarative tables a Service builds at
startup (Endpoint, Subscription), the gateway's Route/Transform/
CacheConfig, registry watch events, and the authenticated Principal
middleware attaches to a Context.

These types cross package boundaries freely — pkg/service constructs
Endpoint and Subscription, pkg/registry persists Service/Node, pkg/gateway
consumes Route and Response, pkg/auth produces Principal — so changes here
ripple widely; prefer adding a field over changing one's meaning.
*/
package types
