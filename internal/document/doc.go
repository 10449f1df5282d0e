// Package document defines the core domain records shared across the
// pipeline: the immutable upload metadata, the per-document pipeline state,
// and the fixed stage sequence with its transition rules.
package document
