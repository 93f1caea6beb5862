// Package gatestream implements the pipelined link between two adjacent
// plugins.
//
// The upstream side (Upstream) assigns a sequence number to every pipelined
// Down message and keeps it in flight until the downstream side acknowledges
// it. The downstream side (Downstream) checks that sequence numbers arrive
// strictly in order, executes requests on a worker pool and releases Up
// messages in request order, coalescing contiguous completions into a single
// CompletedUpTo.
//
// Measured and Failure messages are correlated 1:1 with their request and are
// always written before the CompletedUpTo covering that request. Abort
// discards work that has not started, flushes every produced result and ends
// with Quiesced.
package gatestream
