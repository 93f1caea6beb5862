package measurement

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/gatestream/internal/qubit"
)

var (
	ErrNotFound = errors.New("measurement: qubit not included in measurement set")
	ErrEmpty    = errors.New("measurement: measurement set is empty")
)

// ResultSet maps qubit references to exactly one measurement each. Iteration
// order is unspecified.
type ResultSet struct {
	items map[qubit.Ref]Measurement
}

func NewResultSet() *ResultSet {
	return &ResultSet{items: make(map[qubit.Ref]Measurement)}
}

// SetOf builds a set from ms; later entries overwrite earlier ones.
func SetOf(ms ...Measurement) *ResultSet {
	s := NewResultSet()
	for _, m := range ms {
		s.Insert(m)
	}
	return s
}

func (s *ResultSet) Len() int {
	return len(s.items)
}

func (s *ResultSet) Contains(q qubit.Ref) bool {
	_, ok := s.items[q]
	return ok
}

// Insert stores m, discarding any previous measurement of the same qubit.
func (s *ResultSet) Insert(m Measurement) {
	s.items[m.qubit] = m
}

// Get returns a copy of the measurement for q.
func (s *ResultSet) Get(q qubit.Ref) (Measurement, error) {
	m, ok := s.items[q]
	if !ok {
		return Measurement{}, notFound(q)
	}
	return m.WithQubit(q), nil
}

// Take removes and returns the measurement for q.
func (s *ResultSet) Take(q qubit.Ref) (Measurement, error) {
	m, ok := s.items[q]
	if !ok {
		return Measurement{}, notFound(q)
	}
	delete(s.items, q)
	return m, nil
}

func (s *ResultSet) Remove(q qubit.Ref) error {
	if _, ok := s.items[q]; !ok {
		return notFound(q)
	}
	delete(s.items, q)
	return nil
}

// TakeAny removes and returns an arbitrary measurement. Calling it until it
// returns ErrEmpty visits every qubit exactly once.
func (s *ResultSet) TakeAny() (Measurement, error) {
	for q, m := range s.items {
		delete(s.items, q)
		return m, nil
	}
	return Measurement{}, ErrEmpty
}

// Qubits returns the keys in ascending order.
func (s *ResultSet) Qubits() []qubit.Ref {
	out := make([]qubit.Ref, 0, len(s.items))
	for q := range s.items {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s *ResultSet) Clone() *ResultSet {
	out := &ResultSet{items: make(map[qubit.Ref]Measurement, len(s.items))}
	for q, m := range s.items {
		out.items[q] = m.WithQubit(q)
	}
	return out
}

// Merge moves every measurement of other into s, overwriting collisions, and
// leaves other empty.
func (s *ResultSet) Merge(other *ResultSet) {
	if other == nil || other == s {
		return
	}
	for q, m := range other.items {
		s.items[q] = m
		delete(other.items, q)
	}
}

// Slice returns copies ordered by qubit.
func (s *ResultSet) Slice() []Measurement {
	out := make([]Measurement, 0, len(s.items))
	for _, q := range s.Qubits() {
		out = append(out, s.items[q].WithQubit(q))
	}
	return out
}

func (s *ResultSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *ResultSet) UnmarshalJSON(b []byte) error {
	var list []Measurement
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	s.items = make(map[qubit.Ref]Measurement, len(list))
	for _, m := range list {
		s.items[m.qubit] = m
	}
	return nil
}

func notFound(q qubit.Ref) error {
	return fmt.Errorf("%w: %v", ErrNotFound, q)
}
