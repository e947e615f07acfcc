// Package service implements the declarative service builder and dispatch
// pipeline of §4.6/§4.7: a typed object registers endpoints, subscriptions
// and middleware through an explicit API (replacing annotation-driven
// registration, per the toolkit's redesign), and the resulting table drives
// parameter extraction, codec negotiation and handler invocation for every
// inbound message.
package service
