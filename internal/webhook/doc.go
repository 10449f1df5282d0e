// Package webhook holds the subscription registry and the at-least-once
// delivery engine that posts terminal pipeline events to registered
// callback endpoints.
package webhook
