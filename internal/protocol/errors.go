package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is fatal: the link that observed it must be torn down.
var ErrProtocolViolation = errors.New("protocol: violation")

var (
	ErrUnexpectedDirection = errors.New("protocol: message sent in the wrong direction")
	ErrSequenceOnControl   = errors.New("protocol: sequence number on non-pipelined message")
)

// ViolationError describes why a link was terminated.
type ViolationError struct {
	Reason string
	Err    error
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: violation: %s: %v", e.Reason, e.Err)
	}
	return "protocol: violation: " + e.Reason
}

func (e *ViolationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocolViolation, e.Err}
	}
	return []error{ErrProtocolViolation}
}

// Violation builds a ViolationError from a formatted reason.
func Violation(format string, args ...any) error {
	return &ViolationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapViolation marks err as the cause of a terminated link.
func WrapViolation(reason string, err error) error {
	return &ViolationError{Reason: reason, Err: err}
}
