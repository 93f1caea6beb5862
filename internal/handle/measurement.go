package handle

import (
	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/qubit"
)

// MeasNew creates a measurement handle.
func (a *Arena) MeasNew(q qubit.Ref, value bool, data arb.Data) (Handle, error) {
	m, err := measurement.New(q, value, data)
	if err != nil {
		return Invalid, err
	}
	return a.Insert(m)
}

func (a *Arena) MeasQubit(h Handle) (qubit.Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := lookup[measurement.Measurement](a, h, TypeMeasurement)
	if err != nil {
		return qubit.Invalid, err
	}
	return m.Qubit(), nil
}

func (a *Arena) MeasValue(h Handle) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := lookup[measurement.Measurement](a, h, TypeMeasurement)
	if err != nil {
		return false, err
	}
	return m.Value(), nil
}

// MeasData returns a new arb data handle holding a copy of the attachment.
func (a *Arena) MeasData(h Handle) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := lookup[measurement.Measurement](a, h, TypeMeasurement)
	if err != nil {
		return Invalid, err
	}
	return a.insertLocked(TypeArbData, m.Data()), nil
}

func (a *Arena) MsetNew() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertLocked(TypeMeasurementSet, measurement.NewResultSet())
}

func (a *Arena) MsetLen(set Handle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return 0, err
	}
	return s.Len(), nil
}

func (a *Arena) MsetContains(set Handle, q qubit.Ref) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return false, err
	}
	return s.Contains(q), nil
}

// MsetSet moves the measurement behind meas into set. meas is consumed only
// when the insert succeeds.
func (a *Arena) MsetSet(set, meas Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return err
	}
	m, err := lookup[measurement.Measurement](a, meas, TypeMeasurement)
	if err != nil {
		return err
	}
	s.Insert(m)
	delete(a.slots, meas)
	return nil
}

// MsetGet returns a new handle owning a copy of the measurement of q.
func (a *Arena) MsetGet(set Handle, q qubit.Ref) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return Invalid, err
	}
	m, err := s.Get(q)
	if err != nil {
		return Invalid, err
	}
	return a.insertLocked(TypeMeasurement, m), nil
}

// MsetTake moves the measurement of q out of set into a new handle.
func (a *Arena) MsetTake(set Handle, q qubit.Ref) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return Invalid, err
	}
	m, err := s.Take(q)
	if err != nil {
		return Invalid, err
	}
	return a.insertLocked(TypeMeasurement, m), nil
}

func (a *Arena) MsetRemove(set Handle, q qubit.Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return err
	}
	return s.Remove(q)
}

// MsetTakeAny moves an arbitrary measurement out of set. It fails with
// measurement.ErrEmpty once the set is drained.
func (a *Arena) MsetTakeAny(set Handle) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := lookup[*measurement.ResultSet](a, set, TypeMeasurementSet)
	if err != nil {
		return Invalid, err
	}
	m, err := s.TakeAny()
	if err != nil {
		return Invalid, err
	}
	return a.insertLocked(TypeMeasurement, m), nil
}

// ArbNew creates an arb data handle.
func (a *Arena) ArbNew(json []byte, args ...[]byte) (Handle, error) {
	d, err := arb.NewData(json, args...)
	if err != nil {
		return Invalid, err
	}
	return a.Insert(d)
}

// ArbJSON returns a copy of the JSON object behind h.
func (a *Arena) ArbJSON(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := lookup[arb.Data](a, h, TypeArbData)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), d.JSON...), nil
}

func (a *Arena) ArbArgs(h Handle) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := lookup[arb.Data](a, h, TypeArbData)
	if err != nil {
		return nil, err
	}
	return d.Clone().Args, nil
}
