// Package boltstore is the optional durable Registry driver (§4.3, §6
// "Registry drivers may persist externally"): one bbolt bucket holding one
// JSON-marshaled Service record per (name, version) key, adapted from the
// teacher's key/value store idiom. Watch semantics match the in-memory
// driver — subscribers see only events emitted after they subscribe, no
// replay of existing state.
package boltstore
