// Package statestore implements the durable key-value store that every
// docpipe component coordinates through.
//
// Keys live in namespaces (app, broker, jobs, throttle) so queue traffic,
// pipeline state, and bookkeeping can be scanned and purged independently.
// All cross-process coordination happens through compare-and-swap and
// compare-and-delete on serialized values; the store never interprets the
// bytes it holds.
package statestore
