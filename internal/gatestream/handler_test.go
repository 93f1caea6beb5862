package gatestream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/qubit"
)

// bitHandler keeps one classical bit per qubit. "x" flips its targets and a
// gate whose name is registered in hold blocks until that channel is closed.
type bitHandler struct {
	mu     sync.Mutex
	bits   map[qubit.Ref]bool
	hold   map[string]chan struct{}
	events []string
	// started receives the name of every held gate once it begins executing.
	started chan string
	// finished receives the name of every gate when it completes.
	finished chan string
}

func newBitHandler() *bitHandler {
	return &bitHandler{
		bits:     make(map[qubit.Ref]bool),
		hold:     make(map[string]chan struct{}),
		started:  make(chan string, 16),
		finished: make(chan string, 16),
	}
}

func (h *bitHandler) holdGate(name string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.hold[name] = ch
	return ch
}

func (h *bitHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *bitHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *bitHandler) Allocate(ctx context.Context, qubits []qubit.Ref, cmds []arb.Cmd) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range qubits {
		h.bits[q] = false
	}
	for _, c := range cmds {
		if c.Matches("bits", "set_one") {
			for _, q := range qubits {
				h.bits[q] = true
			}
		}
	}
	return nil
}

func (h *bitHandler) Free(ctx context.Context, qubits []qubit.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range qubits {
		delete(h.bits, q)
	}
	return nil
}

func (h *bitHandler) Gate(ctx context.Context, g gate.Gate) ([]measurement.Measurement, error) {
	h.mu.Lock()
	ch := h.hold[g.Name()]
	h.mu.Unlock()
	if ch != nil {
		notify(h.started, g.Name())
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer notify(h.finished, g.Name())
	h.record("gate:" + g.Name())

	h.mu.Lock()
	defer h.mu.Unlock()
	switch g.Name() {
	case "x":
		for _, q := range g.Targets() {
			h.bits[q] = !h.bits[q]
		}
	case "broken":
		return nil, errors.New("gate broken is not supported")
	case "silent":
		return nil, errors.New("")
	}
	out := make([]measurement.Measurement, 0, len(g.Measures()))
	for _, q := range g.Measures() {
		m, err := measurement.New(q, h.bits[q], arb.Data{})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *bitHandler) Advance(ctx context.Context, cycles qubit.Cycles) error {
	h.record(fmt.Sprintf("advance:%d", cycles))
	return nil
}

func (h *bitHandler) Arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	h.record("arb:" + cmd.String())
	if cmd.Operation == "fail" {
		return arb.Data{}, errors.New("operation fail rejected")
	}
	return arb.Data{Args: [][]byte{[]byte(cmd.Operation)}}, nil
}

func notify(ch chan string, name string) {
	select {
	case ch <- name:
	default:
	}
}
