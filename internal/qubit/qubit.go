// Package qubit owns qubit identity and simulated time primitives.
//
// Ownership boundary:
// - qubit references and their per-session generator
// - simulation cycle counts
package qubit

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidRef = errors.New("qubit: invalid qubit reference")

// Ref identifies one qubit within a plugin session. The zero value is the
// invalid sentinel and is never issued by a Generator.
type Ref uint64

// Invalid is the sentinel "no qubit" value.
const Invalid Ref = 0

func (r Ref) Valid() bool {
	return r != Invalid
}

func (r Ref) String() string {
	return fmt.Sprintf("q%d", uint64(r))
}

// FromRaw converts a foreign integer into a Ref, rejecting the sentinel.
func FromRaw(raw uint64) (Ref, error) {
	if raw == 0 {
		return Invalid, fmt.Errorf("%w: 0 is not a valid qubit reference", ErrInvalidRef)
	}
	return Ref(raw), nil
}

// Cycles is a count of simulated time steps.
type Cycles uint64

// Add returns c+n, saturating instead of wrapping.
func (c Cycles) Add(n Cycles) Cycles {
	if c > math.MaxUint64-n {
		return math.MaxUint64
	}
	return c + n
}

// Generator issues strictly increasing qubit references. It is owned by one
// session and is not safe for concurrent use.
type Generator struct {
	last Ref
}

func NewGenerator() *Generator {
	return &Generator{}
}

// Allocate returns a reference greater than every reference issued before.
func (g *Generator) Allocate() Ref {
	if g.last == math.MaxUint64 {
		panic("qubit: reference space exhausted")
	}
	g.last++
	return g.last
}

// AllocateN returns n consecutive fresh references.
func (g *Generator) AllocateN(n int) []Ref {
	if n <= 0 {
		return []Ref{}
	}
	out := make([]Ref, n)
	for i := range out {
		out[i] = g.Allocate()
	}
	return out
}

// Last returns the most recently issued reference, or Invalid.
func (g *Generator) Last() Ref {
	return g.last
}
