package gatestream

import (
	"errors"
	"fmt"

	"github.com/danmuck/gatestream/internal/protocol"
)

// AbortedMessage is the Failure message for requests discarded by an abort.
const AbortedMessage = "aborted"

var (
	ErrTransport       = errors.New("gatestream: transport failure")
	ErrFlushTimeout    = errors.New("gatestream: flush timeout")
	ErrAborted         = errors.New("gatestream: aborted")
	ErrClosed          = errors.New("gatestream: link closed")
	ErrNotPipelined    = errors.New("gatestream: message is not pipelined")
	ErrUnknownSequence = errors.New("gatestream: sequence number was never sent")
)

// FailureError is the outcome of a request the peer reported as failed.
type FailureError struct {
	Seq     protocol.SequenceNumber
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("gatestream: request %v failed: %s", e.Seq, e.Message)
}

// Unwrap lets errors.Is(err, ErrAborted) match requests discarded by an abort.
func (e *FailureError) Unwrap() error {
	if e.Message == AbortedMessage {
		return ErrAborted
	}
	return nil
}

// ArbError is an ArbFailure reply.
type ArbError struct {
	Message string
}

func (e *ArbError) Error() string {
	return "gatestream: arb request failed: " + e.Message
}

// LostError lists in-flight requests whose outcome will never be known.
type LostError struct {
	Seqs []protocol.SequenceNumber
	Err  error
}

func (e *LostError) Error() string {
	return fmt.Sprintf("gatestream: %d in-flight requests lost %v: %v", len(e.Seqs), e.Seqs, e.Err)
}

func (e *LostError) Unwrap() error {
	return e.Err
}

// failureKind labels a fatal link error for metrics.
func failureKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "violation"
	case errors.Is(err, ErrFlushTimeout):
		return "flush_timeout"
	case errors.Is(err, ErrAborted), errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "transport"
	}
}
