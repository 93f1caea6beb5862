// Package measurement owns qubit measurement results and the sets they are
// exchanged in.
//
// Ownership boundary:
// - immutable per-qubit measurement values
// - measurement result sets (by-key insert/get/take/remove, draining)
// - per-qubit measurement history used for cycle statistics
//
// Nothing in this package is safe for concurrent use; callers that share a
// set across goroutines add their own exclusion.
package measurement

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/qubit"
)

// Measurement is one qubit's outcome. It cannot be modified once built.
type Measurement struct {
	qubit qubit.Ref
	value bool
	data  arb.Data
}

// New builds a measurement for q.
func New(q qubit.Ref, value bool, data arb.Data) (Measurement, error) {
	if !q.Valid() {
		return Measurement{}, qubit.ErrInvalidRef
	}
	return Measurement{qubit: q, value: value, data: data.Clone()}, nil
}

func (m Measurement) Qubit() qubit.Ref { return m.qubit }
func (m Measurement) Value() bool      { return m.value }

// Data returns a copy of the auxiliary payload.
func (m Measurement) Data() arb.Data { return m.data.Clone() }

// WithQubit returns a copy of m attributed to another qubit. Operators use
// this when they remap references between links.
func (m Measurement) WithQubit(q qubit.Ref) Measurement {
	out := m
	out.qubit = q
	out.data = m.data.Clone()
	return out
}

func (m Measurement) Equal(o Measurement) bool {
	return m.qubit == o.qubit && m.value == o.value && m.data.Equal(o.data)
}

func (m Measurement) String() string {
	v := 0
	if m.value {
		v = 1
	}
	return fmt.Sprintf("%v=%d", m.qubit, v)
}

type wireMeasurement struct {
	Qubit uint64   `json:"qubit"`
	Value bool     `json:"value"`
	Data  arb.Data `json:"data"`
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMeasurement{Qubit: uint64(m.qubit), Value: m.value, Data: m.data})
}

func (m *Measurement) UnmarshalJSON(b []byte) error {
	var w wireMeasurement
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	q, err := qubit.FromRaw(w.Qubit)
	if err != nil {
		return err
	}
	*m = Measurement{qubit: q, value: w.Value, data: w.Data}
	return nil
}
