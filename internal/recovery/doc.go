// Package recovery implements the crash-recovery sweep. It scans pipeline
// states for documents whose workers died mid-run and re-enqueues them,
// bounding how long a document can sit in a non-terminal stage.
package recovery
