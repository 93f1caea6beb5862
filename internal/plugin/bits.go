package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/qubit"
)

// BitBackend simulates qubits that never leave the computational basis.
// Only classical permutation gates are accepted.
type BitBackend struct {
	mu      sync.Mutex
	bits    map[qubit.Ref]bool
	initial bool
	cycle   qubit.Cycles
	gates   uint64
}

func NewBitBackend() *BitBackend {
	return &BitBackend{bits: make(map[qubit.Ref]bool)}
}

type bitsInit struct {
	Initial bool `json:"initial"`
}

// Initialize accepts bits.init with {"initial": true|false}.
func (b *BitBackend) Initialize(ctx context.Context, cmds []arb.Cmd) error {
	for _, c := range cmds {
		if !c.Matches("bits", "init") {
			continue
		}
		var cfg bitsInit
		if len(c.Data.JSON) > 0 {
			if err := json.Unmarshal(c.Data.JSON, &cfg); err != nil {
				return fmt.Errorf("bits.init: %w", err)
			}
		}
		b.mu.Lock()
		b.initial = cfg.Initial
		b.mu.Unlock()
	}
	return nil
}

func (b *BitBackend) Allocate(ctx context.Context, qubits []qubit.Ref, cmds []arb.Cmd) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	value := b.initial
	for _, c := range cmds {
		switch {
		case c.Matches("bits", "set_one"):
			value = true
		case c.Matches("bits", "set_zero"):
			value = false
		}
	}
	for _, q := range qubits {
		b.bits[q] = value
	}
	return nil
}

func (b *BitBackend) Free(ctx context.Context, qubits []qubit.Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range qubits {
		delete(b.bits, q)
	}
	return nil
}

func (b *BitBackend) Gate(ctx context.Context, g gate.Gate) ([]measurement.Measurement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	targets, controls := g.Targets(), g.Controls()
	switch g.Name() {
	case "i", "id", "measure":
	case "x", "not", "cx", "cnot", "ccx", "toffoli":
		if b.allSet(controls) {
			for _, q := range targets {
				b.bits[q] = !b.bits[q]
			}
		}
	case "swap", "cswap":
		if len(targets) != 2 {
			return nil, fmt.Errorf("gate %s needs 2 targets, got %d", g.Name(), len(targets))
		}
		if b.allSet(controls) {
			b.bits[targets[0]], b.bits[targets[1]] = b.bits[targets[1]], b.bits[targets[0]]
		}
	default:
		if len(targets) > 0 {
			return nil, fmt.Errorf("gate %s is not a classical permutation", g.Name())
		}
	}
	b.gates++

	out := make([]measurement.Measurement, 0, len(g.Measures()))
	for _, q := range g.Measures() {
		m, err := measurement.New(q, b.bits[q], arb.Data{})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *BitBackend) allSet(controls []qubit.Ref) bool {
	for _, q := range controls {
		if !b.bits[q] {
			return false
		}
	}
	return true
}

func (b *BitBackend) Advance(ctx context.Context, cycles qubit.Cycles) error {
	b.mu.Lock()
	b.cycle = b.cycle.Add(cycles)
	b.mu.Unlock()
	return nil
}

func (b *BitBackend) Arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	return b.HandleArb(ctx, cmd)
}

type bitsDump struct {
	Bits  map[string]bool `json:"bits"`
	Cycle qubit.Cycles    `json:"cycle"`
	Gates uint64          `json:"gates"`
}

// HandleArb supports bits.dump and bits.reset.
func (b *BitBackend) HandleArb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case cmd.Matches("bits", "dump"):
		dump := bitsDump{Bits: make(map[string]bool, len(b.bits)), Cycle: b.cycle, Gates: b.gates}
		for q, v := range b.bits {
			dump.Bits[strconv.FormatUint(uint64(q), 10)] = v
		}
		raw, err := json.Marshal(dump)
		if err != nil {
			return arb.Data{}, err
		}
		return arb.NewData(raw)
	case cmd.Matches("bits", "reset"):
		for q := range b.bits {
			b.bits[q] = b.initial
		}
		return arb.Data{}, nil
	default:
		return arb.Data{}, fmt.Errorf("%w: %s", ErrUnsupportedArb, cmd)
	}
}
