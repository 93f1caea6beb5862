package gatestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/protocol/frame"
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// deadline returns the earlier of now+timeout and the context deadline. The
// zero time means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var dl time.Time
	if timeout > 0 {
		dl = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
		dl = d
	}
	return dl
}

func setWriteDeadline(conn io.ReadWriteCloser, dl time.Time) {
	if d, ok := conn.(deadliner); ok {
		_ = d.SetWriteDeadline(dl)
	}
}

func setReadDeadline(conn io.ReadWriteCloser, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if d, ok := conn.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
	}
}

// writeFrame writes f under a deadline derived from ctx and timeout.
func writeFrame(ctx context.Context, conn io.ReadWriteCloser, f frame.Frame, limits frame.Limits, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	setWriteDeadline(conn, deadline(ctx, timeout))
	defer setWriteDeadline(conn, time.Time{})
	return frame.WriteFrame(conn, f, limits)
}

// classifyRead separates malformed input, which is a protocol violation, from
// a broken or closed transport.
func classifyRead(err error) error {
	switch {
	case errors.Is(err, protocol.ErrProtocolViolation):
		return err
	case errors.Is(err, frame.ErrInvalidMagic),
		errors.Is(err, frame.ErrUnsupportedVer),
		errors.Is(err, frame.ErrHeaderLenTooSmall),
		errors.Is(err, frame.ErrPayloadTooLarge),
		errors.Is(err, frame.ErrExtensionTooLarge):
		return protocol.WrapViolation("read frame", err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
