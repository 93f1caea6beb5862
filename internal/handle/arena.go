// Package handle exposes owned values through opaque integer handles. Every
// handle names a typed slot; the type is checked on each access and deleting
// a slot invalidates the handle for good.
package handle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/measurement"
)

// Handle identifies one slot. Zero is never issued.
type Handle uint64

const Invalid Handle = 0

type Type uint8

const (
	TypeNone Type = iota
	TypeMeasurement
	TypeMeasurementSet
	TypeArbData
)

func (t Type) String() string {
	switch t {
	case TypeMeasurement:
		return "measurement"
	case TypeMeasurementSet:
		return "measurement_set"
	case TypeArbData:
		return "arb_data"
	default:
		return "none"
	}
}

var (
	ErrInvalidHandle = errors.New("handle: invalid handle")
	ErrWrongType     = errors.New("handle: wrong type")
	ErrUnsupported   = errors.New("handle: unsupported value")
)

type slot struct {
	typ   Type
	value any
}

// Arena owns every value reachable through a handle. It is safe for
// concurrent use.
type Arena struct {
	mu    sync.Mutex
	last  Handle
	slots map[Handle]slot
}

func NewArena() *Arena {
	return &Arena{slots: make(map[Handle]slot)}
}

func typeOf(v any) Type {
	switch v.(type) {
	case measurement.Measurement:
		return TypeMeasurement
	case *measurement.ResultSet:
		return TypeMeasurementSet
	case arb.Data:
		return TypeArbData
	default:
		return TypeNone
	}
}

// Insert stores v in a fresh slot.
func (a *Arena) Insert(v any) (Handle, error) {
	typ := typeOf(v)
	if typ == TypeNone {
		return Invalid, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertLocked(typ, v), nil
}

func (a *Arena) insertLocked(typ Type, v any) Handle {
	a.last++
	a.slots[a.last] = slot{typ: typ, value: v}
	return a.last
}

// Type reports the type of the value behind h.
func (a *Arena) Type(h Handle) (Type, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	if !ok {
		return TypeNone, invalid(h)
	}
	return s.typ, nil
}

// Resolve returns the value behind h without consuming it.
func (a *Arena) Resolve(h Handle) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	if !ok {
		return nil, invalid(h)
	}
	return s.value, nil
}

// Take removes the value behind h and returns it.
func (a *Arena) Take(h Handle) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	if !ok {
		return nil, invalid(h)
	}
	delete(a.slots, h)
	return s.value, nil
}

func (a *Arena) Delete(h Handle) error {
	_, err := a.Take(h)
	return err
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Reset drops every slot. Handles issued before stay invalid.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = make(map[Handle]slot)
}

// Dump lists live slots in handle order, one per line.
func (a *Arena) Dump() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs := make([]Handle, 0, len(a.slots))
	for h := range a.slots {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	var b strings.Builder
	for _, h := range hs {
		s := a.slots[h]
		fmt.Fprintf(&b, "%d: %s %s\n", h, s.typ, describe(s.value))
	}
	return b.String()
}

func describe(v any) string {
	switch x := v.(type) {
	case measurement.Measurement:
		return x.String()
	case *measurement.ResultSet:
		return fmt.Sprintf("len=%d", x.Len())
	case arb.Data:
		return fmt.Sprintf("json=%dB args=%d", len(x.JSON), len(x.Args))
	default:
		return ""
	}
}

func invalid(h Handle) error {
	return fmt.Errorf("%w: %d", ErrInvalidHandle, uint64(h))
}

// lookup returns the slot value for h when it has type typ. Callers hold mu.
func lookup[T any](a *Arena, h Handle, typ Type) (T, error) {
	var zero T
	s, ok := a.slots[h]
	if !ok {
		return zero, invalid(h)
	}
	if s.typ != typ {
		return zero, fmt.Errorf("%w: handle %d is %s, want %s", ErrWrongType, uint64(h), s.typ, typ)
	}
	return s.value.(T), nil
}
