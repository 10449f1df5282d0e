// Package taskqueue implements the distributed task queue on top of the
// state store's broker namespace. Claims use compare-and-swap, acks use
// compare-and-delete, and a claim older than the visibility timeout becomes
// claimable again, giving automatic redelivery without explicit nacks.
package taskqueue
