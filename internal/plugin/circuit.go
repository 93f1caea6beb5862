package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/gatestream"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/qubit"
)

var ErrInvalidCircuit = errors.New("plugin: invalid circuit")

// Circuit is the run payload accepted by CircuitFrontend. Qubit indices are
// positions in the allocated register, starting at 0.
type Circuit struct {
	Qubits        int           `json:"qubits"`
	Gates         []CircuitGate `json:"gates"`
	CyclesPerGate qubit.Cycles  `json:"cycles_per_gate,omitempty"`
	// Keep leaves the register allocated after the run.
	Keep bool `json:"keep,omitempty"`
}

type CircuitGate struct {
	Name     string `json:"name"`
	Targets  []int  `json:"targets,omitempty"`
	Controls []int  `json:"controls,omitempty"`
	Measures []int  `json:"measures,omitempty"`
}

// CircuitSummary is returned as the run's JSON data.
type CircuitSummary struct {
	Qubits    int    `json:"qubits"`
	Gates     int    `json:"gates"`
	Sequences uint64 `json:"sequences"`
}

func ParseCircuit(raw []byte) (Circuit, error) {
	var c Circuit
	if err := json.Unmarshal(raw, &c); err != nil {
		return Circuit{}, fmt.Errorf("%w: %v", ErrInvalidCircuit, err)
	}
	if c.Qubits < 0 {
		return Circuit{}, fmt.Errorf("%w: negative qubit count", ErrInvalidCircuit)
	}
	for i, g := range c.Gates {
		for _, idx := range concatIndices(g) {
			if idx < 0 || idx >= c.Qubits {
				return Circuit{}, fmt.Errorf("%w: gate %d (%s) uses qubit %d of %d", ErrInvalidCircuit, i, g.Name, idx, c.Qubits)
			}
		}
	}
	return c, nil
}

func concatIndices(g CircuitGate) []int {
	out := make([]int, 0, len(g.Targets)+len(g.Controls)+len(g.Measures))
	out = append(out, g.Targets...)
	out = append(out, g.Controls...)
	return append(out, g.Measures...)
}

// CircuitFrontend streams a fixed circuit down its link without waiting
// between gates.
type CircuitFrontend struct{}

func (CircuitFrontend) Run(ctx context.Context, link *gatestream.Upstream, data arb.Data) (arb.Data, error) {
	c, err := ParseCircuit(data.JSON)
	if err != nil {
		return arb.Data{}, err
	}
	start := link.Stats().Sent
	if c.Qubits == 0 {
		return summarize(c, 0)
	}

	var seqs []protocol.SequenceNumber
	send := func(seq protocol.SequenceNumber, err error) error {
		if err == nil {
			seqs = append(seqs, seq)
		}
		return err
	}
	refs, seq, err := link.Allocate(ctx, c.Qubits)
	if err := send(seq, err); err != nil {
		return arb.Data{}, err
	}
	pick := func(idx []int) []qubit.Ref {
		out := make([]qubit.Ref, len(idx))
		for i, v := range idx {
			out[i] = refs[v]
		}
		return out
	}
	for _, cg := range c.Gates {
		g, err := gate.New(cg.Name, pick(cg.Targets), pick(cg.Controls), pick(cg.Measures))
		if err != nil {
			return arb.Data{}, err
		}
		if err := send(link.Gate(ctx, g)); err != nil {
			return arb.Data{}, err
		}
		if c.CyclesPerGate > 0 {
			if err := send(link.Advance(ctx, c.CyclesPerGate)); err != nil {
				return arb.Data{}, err
			}
		}
	}
	if !c.Keep {
		if err := send(link.Free(ctx, refs...)); err != nil {
			return arb.Data{}, err
		}
	}

	// Everything is already on the wire; collect the outcomes in order.
	for _, seq := range seqs {
		if err := link.Wait(ctx, seq); err != nil {
			return arb.Data{}, err
		}
	}
	return summarize(c, link.Stats().Sent-start)
}

func summarize(c Circuit, sequences uint64) (arb.Data, error) {
	raw, err := json.Marshal(CircuitSummary{
		Qubits:    c.Qubits,
		Gates:     len(c.Gates),
		Sequences: sequences,
	})
	if err != nil {
		return arb.Data{}, err
	}
	return arb.NewData(raw)
}
