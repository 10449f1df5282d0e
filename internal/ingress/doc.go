// Package ingress serves the HTTP surface: document uploads, status and
// result reads, webhook subscription management, health, and the admin
// listing over stuck pipelines.
package ingress
