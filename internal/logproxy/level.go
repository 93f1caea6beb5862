package logproxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var ErrUnknownLevel = errors.New("logproxy: unknown level")

// Level orders log severities. Off is only meaningful as a filter.
type Level int8

const (
	Trace Level = iota
	Debug
	Info
	Note
	Warn
	Error
	Fatal
	Off
)

var levelNames = [...]string{"trace", "debug", "info", "note", "warn", "error", "fatal", "off"}

func (l Level) String() string {
	if l < Trace || l > Off {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// Passes reports whether a record at level l gets through filter f.
func (l Level) Passes(f Level) bool {
	return l < Off && l >= f
}

func ParseLevel(raw string) (Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "warning" {
		raw = "warn"
	}
	for i, n := range levelNames {
		if n == raw {
			return Level(i), nil
		}
	}
	return Off, fmt.Errorf("%w: %q", ErrUnknownLevel, raw)
}

// zerologLevel maps a record level onto the sink's logger. Note has no
// zerolog counterpart and is written at info with a note field.
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case Trace:
		return zerolog.TraceLevel
	case Debug:
		return zerolog.DebugLevel
	case Info, Note:
		return zerolog.InfoLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	case Fatal:
		// Fatal records are reported, never allowed to exit the process.
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}
