// Package mistral provides a minimal client for the Mistral OCR API. The
// client reports rate-limit and malformed-input responses through sentinel
// errors so agents can decide whether to retry.
package mistral
