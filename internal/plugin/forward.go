package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/gatestream"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/qubit"
)

// Forwarder is an operator that passes every request to the next link
// unchanged. Qubit references are renumbered because each link issues its
// own.
type Forwarder struct {
	next *gatestream.Upstream

	mu  sync.Mutex
	out map[qubit.Ref]qubit.Ref
}

func NewForwarder(next *gatestream.Upstream) *Forwarder {
	return &Forwarder{next: next, out: make(map[qubit.Ref]qubit.Ref)}
}

func (f *Forwarder) Allocate(ctx context.Context, qubits []qubit.Ref, cmds []arb.Cmd) error {
	refs, seq, err := f.next.Allocate(ctx, len(qubits), cmds...)
	if err != nil {
		return err
	}
	f.mu.Lock()
	for i, q := range qubits {
		f.out[q] = refs[i]
	}
	f.mu.Unlock()
	return f.wait(ctx, seq)
}

func (f *Forwarder) Free(ctx context.Context, qubits []qubit.Ref) error {
	refs, err := f.translate(qubits)
	if err != nil {
		return err
	}
	seq, err := f.next.Free(ctx, refs...)
	if err != nil {
		return err
	}
	f.mu.Lock()
	for _, q := range qubits {
		delete(f.out, q)
	}
	f.mu.Unlock()
	return f.wait(ctx, seq)
}

func (f *Forwarder) Gate(ctx context.Context, g gate.Gate) ([]measurement.Measurement, error) {
	targets, err := f.translate(g.Targets())
	if err != nil {
		return nil, err
	}
	controls, err := f.translate(g.Controls())
	if err != nil {
		return nil, err
	}
	measures, err := f.translate(g.Measures())
	if err != nil {
		return nil, err
	}
	var opts []gate.Option
	if m := g.Matrix(); len(m) > 0 {
		opts = append(opts, gate.WithMatrix(m))
	}
	if d := g.Data(); !d.IsEmpty() {
		opts = append(opts, gate.WithData(d))
	}
	fwd, err := gate.New(g.Name(), targets, controls, measures, opts...)
	if err != nil {
		return nil, err
	}
	seq, err := f.next.Gate(ctx, fwd)
	if err != nil {
		return nil, err
	}
	if err := f.wait(ctx, seq); err != nil {
		return nil, err
	}

	in := g.Measures()
	out := make([]measurement.Measurement, 0, len(in))
	for i, q := range measures {
		m, err := f.next.TakeMeasurement(q)
		if err != nil {
			return nil, err
		}
		out = append(out, m.WithQubit(in[i]))
	}
	return out, nil
}

func (f *Forwarder) Advance(ctx context.Context, cycles qubit.Cycles) error {
	seq, err := f.next.Advance(ctx, cycles)
	if err != nil {
		return err
	}
	return f.wait(ctx, seq)
}

func (f *Forwarder) Arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	return f.HandleArb(ctx, cmd)
}

// HandleArb answers forward.stats itself and passes anything else on.
func (f *Forwarder) HandleArb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	if cmd.Matches("forward", "stats") {
		raw, err := json.Marshal(f.next.Stats())
		if err != nil {
			return arb.Data{}, err
		}
		return arb.NewData(raw)
	}
	return f.next.Arb(ctx, cmd)
}

func (f *Forwarder) translate(in []qubit.Ref) ([]qubit.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]qubit.Ref, 0, len(in))
	for _, q := range in {
		r, ok := f.out[q]
		if !ok {
			return nil, fmt.Errorf("qubit %s is not forwarded", q)
		}
		out = append(out, r)
	}
	return out, nil
}

// wait reports a downstream failure with its original message so the
// upstream neighbor sees the same text.
func (f *Forwarder) wait(ctx context.Context, seq protocol.SequenceNumber) error {
	err := f.next.Wait(ctx, seq)
	var fe *gatestream.FailureError
	if errors.As(err, &fe) {
		return errors.New(fe.Message)
	}
	return err
}
