package handle

import (
	"testing"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/qubit"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsetSetConsumesMeasurementOnSuccess(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	m, err := a.MeasNew(3, true, arb.Data{})
	require.NoError(t, err)

	require.NoError(t, a.MsetSet(set, m))
	_, err = a.MeasQubit(m)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	n, err := a.MsetLen(set)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMsetSetLeavesMeasurementOnFailure(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	m, err := a.MeasNew(3, true, arb.Data{})
	require.NoError(t, err)
	other, err := a.MeasNew(4, false, arb.Data{})
	require.NoError(t, err)

	err = a.MsetSet(other, m)
	assert.ErrorIs(t, err, ErrWrongType)
	q, err := a.MeasQubit(m)
	require.NoError(t, err)
	assert.Equal(t, qubit.Ref(3), q)
}

func TestMsetGetReturnsCopy(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	m, err := a.MeasNew(1, true, arb.Data{})
	require.NoError(t, err)
	require.NoError(t, a.MsetSet(set, m))

	got, err := a.MsetGet(set, 1)
	require.NoError(t, err)
	require.NoError(t, a.Delete(got))
	ok, err := a.MsetContains(set, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = a.MsetGet(set, 2)
	assert.ErrorIs(t, err, measurement.ErrNotFound)
}

func TestMsetTakeAnyDrainsSet(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	for _, q := range []qubit.Ref{1, 2, 3} {
		m, err := a.MeasNew(q, q%2 == 0, arb.Data{})
		require.NoError(t, err)
		require.NoError(t, a.MsetSet(set, m))
	}
	seen := map[qubit.Ref]bool{}
	for {
		h, err := a.MsetTakeAny(set)
		if err != nil {
			assert.ErrorIs(t, err, measurement.ErrEmpty)
			break
		}
		q, err := a.MeasQubit(h)
		require.NoError(t, err)
		v, err := a.MeasValue(h)
		require.NoError(t, err)
		assert.Equal(t, q%2 == 0, v)
		assert.False(t, seen[q])
		seen[q] = true
	}
	assert.Len(t, seen, 3)
}

func TestMsetTakeAndRemove(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	for _, q := range []qubit.Ref{1, 2} {
		m, err := a.MeasNew(q, true, arb.Data{})
		require.NoError(t, err)
		require.NoError(t, a.MsetSet(set, m))
	}
	h, err := a.MsetTake(set, 1)
	require.NoError(t, err)
	typ, err := a.Type(h)
	require.NoError(t, err)
	assert.Equal(t, TypeMeasurement, typ)

	require.NoError(t, a.MsetRemove(set, 2))
	assert.ErrorIs(t, a.MsetRemove(set, 2), measurement.ErrNotFound)
	n, err := a.MsetLen(set)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaleAndWrongTypeHandles(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	_, err := a.MeasValue(set)
	assert.ErrorIs(t, err, ErrWrongType)
	require.NoError(t, a.Delete(set))
	_, err = a.MsetLen(set)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, a.Delete(set), ErrInvalidHandle)
	_, err = a.Type(Invalid)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = a.Insert(42)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestArbHandles(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	d, err := a.ArbNew([]byte(`{"k":1}`), []byte("x"))
	require.NoError(t, err)
	m, err := a.MeasNew(2, false, arb.Data{Args: [][]byte{[]byte("y")}})
	require.NoError(t, err)
	md, err := a.MeasData(m)
	require.NoError(t, err)

	raw, err := a.ArbJSON(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(raw))
	args, err := a.ArbArgs(md)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("y")}, args)

	_, err = a.ArbNew([]byte(`[1]`))
	assert.ErrorIs(t, err, arb.ErrInvalidJSON)
}

func TestDumpAndReset(t *testing.T) {
	testlog.Start(t)
	a := NewArena()
	set := a.MsetNew()
	_, err := a.MeasNew(1, true, arb.Data{})
	require.NoError(t, err)
	dump := a.Dump()
	assert.Contains(t, dump, "1: measurement_set len=0")
	assert.Contains(t, dump, "2: measurement")
	assert.Equal(t, 2, a.Len())

	a.Reset()
	assert.Zero(t, a.Len())
	_, err = a.MsetLen(set)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Equal(t, Handle(3), a.MsetNew())
}
