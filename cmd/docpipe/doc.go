// Package main hosts the docpipe CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the docpiped daemon: document uploads, pipeline status and
// result lookups, stuck-pipeline maintenance, webhook subscription
// management, and configuration scaffolding.
//
// Keep this package thin. New functionality belongs in the internal
// packages first and is surfaced here through dedicated commands or flags.
package main
