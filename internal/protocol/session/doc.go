// Package session owns simulator<->plugin control transport and the
// per-link reliability primitives shared by gatestream endpoints.
//
// Ownership boundary:
// - control request/response envelopes (newline-delimited JSON)
// - timeouts, queue depths and flush bounds
// - in-flight request table keyed by sequence number
// - dial retry/backoff for downstream endpoints
package session
