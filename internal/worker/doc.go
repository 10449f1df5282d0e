// Package worker runs the background pool that pulls tasks off the queue,
// hands them to the orchestrator, dispatches terminal events, and acks.
package worker
