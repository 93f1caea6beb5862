package measurement

import (
	"errors"
	"fmt"

	"github.com/danmuck/gatestream/internal/qubit"
)

var (
	ErrNotMeasured   = errors.New("measurement: qubit has not been measured yet")
	ErrMeasuredOnce  = errors.New("measurement: qubit has only been measured once")
	ErrCycleBackward = errors.New("measurement: cycle moved backwards")
)

type historyEntry struct {
	latest   Measurement
	at       qubit.Cycles
	previous qubit.Cycles
	count    uint64
}

// History records, per qubit, the latest measurement and the cycles at which
// the last two measurements happened.
type History struct {
	entries map[qubit.Ref]*historyEntry
}

func NewHistory() *History {
	return &History{entries: make(map[qubit.Ref]*historyEntry)}
}

// Record stores m as measured at cycle at.
func (h *History) Record(m Measurement, at qubit.Cycles) error {
	e, ok := h.entries[m.qubit]
	if !ok {
		h.entries[m.qubit] = &historyEntry{latest: m, at: at, count: 1}
		return nil
	}
	if at < e.at {
		return fmt.Errorf("%w: %v measured at %d after %d", ErrCycleBackward, m.qubit, at, e.at)
	}
	e.previous = e.at
	e.at = at
	e.latest = m
	e.count++
	return nil
}

// Latest returns the most recent measurement of q.
func (h *History) Latest(q qubit.Ref) (Measurement, error) {
	e, ok := h.entries[q]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %v", ErrNotMeasured, q)
	}
	return e.latest.WithQubit(q), nil
}

// CyclesSinceMeasure returns now minus the cycle of the latest measurement.
func (h *History) CyclesSinceMeasure(q qubit.Ref, now qubit.Cycles) (qubit.Cycles, error) {
	e, ok := h.entries[q]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotMeasured, q)
	}
	if now < e.at {
		return 0, nil
	}
	return now - e.at, nil
}

// CyclesBetweenMeasures returns the cycles between the last two measurements.
func (h *History) CyclesBetweenMeasures(q qubit.Ref) (qubit.Cycles, error) {
	e, ok := h.entries[q]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotMeasured, q)
	}
	if e.count < 2 {
		return 0, fmt.Errorf("%w: %v", ErrMeasuredOnce, q)
	}
	return e.at - e.previous, nil
}

// Forget drops all history for q, e.g. when the qubit is freed.
func (h *History) Forget(q qubit.Ref) {
	delete(h.entries, q)
}
