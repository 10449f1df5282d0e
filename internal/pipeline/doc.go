// Package pipeline contains the orchestrator that sequences stage agents per
// document. All transitions are compare-and-swap updates of the serialized
// pipeline state, which makes the state record its own single-writer lock.
package pipeline
