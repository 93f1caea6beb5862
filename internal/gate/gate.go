// Package gate owns the gate request data model. A Gate is validated when it
// is built and is immutable afterwards: every accessor returns a copy.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/qubit"
)

var (
	ErrConflictingQubits = errors.New("gate: qubit used more than once across targets and controls")
	ErrDuplicateMeasure  = errors.New("gate: qubit measured more than once")
	ErrNoQubits          = errors.New("gate: gate does not act on any qubit")
	ErrMatrixSize        = errors.New("gate: matrix size does not match target count")
	ErrMatrixTooLarge    = errors.New("gate: too many targets for a matrix")
)

// MaxMatrixTargets bounds the targets of a gate carrying a matrix; the
// matrix holds 4^targets entries.
const MaxMatrixTargets = 12

// Gate is one quantum operation request.
type Gate struct {
	name     string
	targets  []qubit.Ref
	controls []qubit.Ref
	measures []qubit.Ref
	matrix   []complex128
	data     arb.Data
}

// Option customizes a gate under construction.
type Option func(*Gate)

// WithMatrix attaches a row-major unitary of size 4^len(targets).
func WithMatrix(m []complex128) Option {
	return func(g *Gate) { g.matrix = append([]complex128(nil), m...) }
}

// WithData attaches an opaque parameter payload.
func WithData(d arb.Data) Option {
	return func(g *Gate) { g.data = d.Clone() }
}

// New validates and builds a gate.
func New(name string, targets, controls, measures []qubit.Ref, opts ...Option) (Gate, error) {
	g := Gate{
		name:     strings.TrimSpace(name),
		targets:  cloneRefs(targets),
		controls: cloneRefs(controls),
		measures: cloneRefs(measures),
	}
	for _, opt := range opts {
		opt(&g)
	}
	if err := g.validate(); err != nil {
		return Gate{}, err
	}
	return g, nil
}

// NewUnitary builds a controlled unitary gate.
func NewUnitary(name string, targets, controls []qubit.Ref, matrix []complex128) (Gate, error) {
	return New(name, targets, controls, nil, WithMatrix(matrix))
}

// NewMeasurement builds a gate that only measures.
func NewMeasurement(measures ...qubit.Ref) (Gate, error) {
	return New("measure", nil, nil, measures)
}

func (g Gate) validate() error {
	if len(g.targets)+len(g.controls)+len(g.measures) == 0 {
		return ErrNoQubits
	}
	seen := make(map[qubit.Ref]string, len(g.targets)+len(g.controls))
	check := func(role string, refs []qubit.Ref) error {
		for _, q := range refs {
			if !q.Valid() {
				return fmt.Errorf("%w in %s", qubit.ErrInvalidRef, role)
			}
			if prev, ok := seen[q]; ok {
				return fmt.Errorf("%w: %v as %s and %s", ErrConflictingQubits, q, prev, role)
			}
			seen[q] = role
		}
		return nil
	}
	if err := check("target", g.targets); err != nil {
		return err
	}
	if err := check("control", g.controls); err != nil {
		return err
	}
	measured := make(map[qubit.Ref]struct{}, len(g.measures))
	for _, q := range g.measures {
		if !q.Valid() {
			return fmt.Errorf("%w in measure", qubit.ErrInvalidRef)
		}
		if _, ok := measured[q]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicateMeasure, q)
		}
		measured[q] = struct{}{}
	}
	if len(g.matrix) > 0 {
		if len(g.targets) > MaxMatrixTargets {
			return fmt.Errorf("%w: %d targets, at most %d", ErrMatrixTooLarge, len(g.targets), MaxMatrixTargets)
		}
		n := 1 << (2 * len(g.targets))
		if len(g.targets) == 0 || len(g.matrix) != n {
			return fmt.Errorf("%w: %d entries for %d targets", ErrMatrixSize, len(g.matrix), len(g.targets))
		}
	}
	return nil
}

func (g Gate) Name() string          { return g.name }
func (g Gate) Targets() []qubit.Ref  { return cloneRefs(g.targets) }
func (g Gate) Controls() []qubit.Ref { return cloneRefs(g.controls) }
func (g Gate) Measures() []qubit.Ref { return cloneRefs(g.measures) }
func (g Gate) Matrix() []complex128  { return append([]complex128(nil), g.matrix...) }
func (g Gate) Data() arb.Data        { return g.data.Clone() }
func (g Gate) HasMeasures() bool     { return len(g.measures) > 0 }

// Qubits returns every qubit the gate touches, without duplicates, in
// target, control, measure order.
func (g Gate) Qubits() []qubit.Ref {
	out := make([]qubit.Ref, 0, len(g.targets)+len(g.controls)+len(g.measures))
	seen := make(map[qubit.Ref]struct{}, cap(out))
	for _, list := range [][]qubit.Ref{g.targets, g.controls, g.measures} {
		for _, q := range list {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}

func (g Gate) String() string {
	return fmt.Sprintf("%s(t=%v c=%v m=%v)", g.name, g.targets, g.controls, g.measures)
}

func cloneRefs(in []qubit.Ref) []qubit.Ref {
	if len(in) == 0 {
		return nil
	}
	return append([]qubit.Ref(nil), in...)
}
