package gatestream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/protocol/session"
	"github.com/danmuck/gatestream/internal/qubit"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.FlushTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

type link struct {
	up   *Upstream
	down *Downstream
	errc chan error
}

func newLink(t *testing.T, upCfg, downCfg session.Config, h Handler) link {
	t.Helper()
	a, b := net.Pipe()
	down := NewDownstream(t.Name(), b, h, downCfg, nil)
	errc := make(chan error, 1)
	go func() {
		errc <- down.Serve(context.Background())
	}()
	up := NewUpstream(t.Name(), a, upCfg, nil)
	t.Cleanup(func() {
		_ = up.Close()
	})
	return link{up: up, down: down, errc: errc}
}

func (l link) serveErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("downstream did not stop")
		return nil
	}
}

func mustGate(t *testing.T, name string, targets, measures []qubit.Ref) gate.Gate {
	t.Helper()
	g, err := gate.New(name, targets, nil, measures)
	require.NoError(t, err)
	return g
}

func TestZeroInFlightBehavesAsRequestResponse(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	refs, seq, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.SequenceNumber(0), seq)
	require.NoError(t, l.up.Wait(ctx, seq))
	assert.Zero(t, l.up.Stats().InFlight)

	seq, err = l.up.Gate(ctx, mustGate(t, "x", refs, refs))
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, seq))
	m, err := l.up.TakeMeasurement(refs[0])
	require.NoError(t, err)
	assert.True(t, m.Value())

	stats := l.up.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(2), stats.Acked)
	assert.Zero(t, stats.InFlight)
}

func TestPipelinedResultsAccumulate(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	refs, _, err := l.up.Allocate(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []qubit.Ref{1, 2, 3}, refs)
	_, err = l.up.Gate(ctx, mustGate(t, "x", []qubit.Ref{1}, nil))
	require.NoError(t, err)
	_, err = l.up.Gate(ctx, mustGate(t, "measure", nil, []qubit.Ref{1, 3}))
	require.NoError(t, err)
	require.NoError(t, l.up.Sync(ctx))

	results := l.up.TakeResults()
	assert.Equal(t, 2, results.Len())
	assert.False(t, results.Contains(2))
	m, err := results.Take(1)
	require.NoError(t, err)
	assert.True(t, m.Value())
	m, err = results.Take(3)
	require.NoError(t, err)
	assert.False(t, m.Value())
	assert.Zero(t, l.up.Results().Len())
}

func TestGateOnUnallocatedQubitFails(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	seq, err := l.up.Gate(ctx, mustGate(t, "x", []qubit.Ref{7}, nil))
	require.NoError(t, err)
	err = l.up.Wait(ctx, seq)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, seq, fe.Seq)
	assert.Contains(t, fe.Message, "not allocated")
	assert.NotErrorIs(t, err, ErrAborted)

	refs, seq, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, seq))
	seq, err = l.up.Free(ctx, refs...)
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, seq))
	seq, err = l.up.Free(ctx, refs...)
	require.NoError(t, err)
	require.ErrorAs(t, l.up.Wait(ctx, seq), &fe)
	assert.Zero(t, l.down.Stats().Live)
}

func TestHandlerFailureIsReportedPerRequest(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	refs, _, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	bad, err := l.up.Gate(ctx, mustGate(t, "broken", refs, refs))
	require.NoError(t, err)
	good, err := l.up.Gate(ctx, mustGate(t, "x", refs, refs))
	require.NoError(t, err)
	require.NoError(t, l.up.Sync(ctx))

	var fe *FailureError
	require.ErrorAs(t, l.up.Wait(ctx, bad), &fe)
	assert.Contains(t, fe.Message, "not supported")
	assert.NoError(t, l.up.Wait(ctx, good))
	assert.Equal(t, 1, l.up.Results().Len())
}

func TestHandlerFailureWithEmptyMessageIsFailure(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	refs, _, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	seq, err := l.up.Gate(ctx, mustGate(t, "silent", refs, nil))
	require.NoError(t, err)
	require.NoError(t, l.up.Sync(ctx))

	var fe *FailureError
	require.ErrorAs(t, l.up.Wait(ctx, seq), &fe)
	assert.Empty(t, fe.Message)
}

func TestWaitUnknownSequence(t *testing.T) {
	testlog.Start(t)
	l := newLink(t, testConfig(), testConfig(), newBitHandler())
	err := l.up.Wait(context.Background(), 3)
	assert.ErrorIs(t, err, ErrUnknownSequence)

	_, err = l.up.Send(context.Background(), protocol.NewAbort())
	assert.ErrorIs(t, err, ErrNotPipelined)
}

func TestArbRunsAfterPipelinedWork(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	h := newBitHandler()
	release := h.holdGate("slow")
	l := newLink(t, testConfig(), testConfig(), h)

	refs, _, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	_, err = l.up.Gate(ctx, mustGate(t, "slow", refs, nil))
	require.NoError(t, err)
	<-h.started

	cmd, err := arb.NewCmd("bits", "dump", arb.Data{})
	require.NoError(t, err)
	type reply struct {
		data arb.Data
		err  error
	}
	replies := make(chan reply, 1)
	go func() {
		data, err := l.up.Arb(ctx, cmd)
		replies <- reply{data, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	r := <-replies
	require.NoError(t, r.err)
	assert.Equal(t, "dump", string(r.data.Args[0]))
	assert.Equal(t, []string{"gate:slow", "arb:bits.dump"}, h.Events())

	cmd, err = arb.NewCmd("bits", "fail", arb.Data{})
	require.NoError(t, err)
	_, err = l.up.Arb(ctx, cmd)
	var ae *ArbError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "rejected")
}

func TestMeasurementHistoryFollowsSendCycles(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	refs, _, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	q := refs[0]
	_, err = l.up.Advance(ctx, 3)
	require.NoError(t, err)
	_, err = l.up.Gate(ctx, mustGate(t, "measure", nil, refs))
	require.NoError(t, err)
	_, err = l.up.Advance(ctx, 10)
	require.NoError(t, err)
	_, err = l.up.Gate(ctx, mustGate(t, "x", refs, refs))
	require.NoError(t, err)
	_, err = l.up.Advance(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, l.up.Sync(ctx))

	between, err := l.up.CyclesBetweenMeasures(q)
	require.NoError(t, err)
	assert.Equal(t, qubit.Cycles(10), between)
	since, err := l.up.CyclesSinceMeasure(q)
	require.NoError(t, err)
	assert.Equal(t, qubit.Cycles(5), since)
	latest, err := l.up.LatestMeasurement(q)
	require.NoError(t, err)
	assert.True(t, latest.Value())
	assert.Equal(t, qubit.Cycles(18), l.up.Stats().Cycle)
}

func TestAbortFlushesRequestStillInFlight(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	h := newBitHandler()
	release := h.holdGate("slow")
	l := newLink(t, testConfig(), testConfig(), h)

	refs, first, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	second, err := l.up.Gate(ctx, mustGate(t, "x", refs, nil))
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, second))
	third, err := l.up.Gate(ctx, mustGate(t, "slow", nil, refs))
	require.NoError(t, err)
	<-h.started

	go func() {
		assert.Eventually(t, func() bool { return l.down.Stats().Aborting }, time.Second, time.Millisecond)
		close(release)
	}()
	report, err := l.up.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.SequenceNumber{third}, report.InFlight)
	assert.Equal(t, []protocol.SequenceNumber{third}, report.Completed)
	assert.Empty(t, report.Lost)
	assert.Equal(t, uint64(3), report.Received)
	assert.Zero(t, report.Discarded)
	assert.NoError(t, l.up.Wait(ctx, first))

	m, err := l.up.TakeMeasurement(refs[0])
	require.NoError(t, err)
	assert.True(t, m.Value())
	require.NoError(t, l.serveErr(t))
	assert.True(t, l.down.Stats().Quiesced)

	_, err = l.up.Advance(ctx, 1)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestAbortDiscardsQueuedWork(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	h := newBitHandler()
	release := h.holdGate("slow")
	l := newLink(t, testConfig(), testConfig(), h)

	refs, seq, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, seq))
	slow, err := l.up.Gate(ctx, mustGate(t, "slow", refs, refs))
	require.NoError(t, err)
	<-h.started
	queued1, err := l.up.Gate(ctx, mustGate(t, "x", refs, refs))
	require.NoError(t, err)
	queued2, err := l.up.Advance(ctx, 4)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.down.Stats().Received == 4 }, time.Second, time.Millisecond)

	go func() {
		assert.Eventually(t, func() bool { return l.down.Stats().Aborting }, time.Second, time.Millisecond)
		close(release)
	}()
	report, err := l.up.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.SequenceNumber{slow}, report.Completed)
	assert.Equal(t, []protocol.SequenceNumber{queued1, queued2}, report.Failed)
	assert.Equal(t, uint64(2), report.Discarded)

	err = l.up.Wait(ctx, queued1)
	assert.ErrorIs(t, err, ErrAborted)
	assert.NotContains(t, h.Events(), "advance:4")
	require.NoError(t, l.serveErr(t))
}

func TestAbortWithNothingInFlight(t *testing.T) {
	testlog.Start(t)
	l := newLink(t, testConfig(), testConfig(), newBitHandler())
	report, err := l.up.Abort(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.InFlight)
	assert.Zero(t, report.Received)
	require.NoError(t, l.serveErr(t))

	_, err = l.up.Abort(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
}

func TestAbortReportsLostWorkWhenPeerStalls(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	h := newBitHandler()
	release := h.holdGate("stuck")
	defer close(release)
	downCfg := testConfig()
	downCfg.FlushTimeout = 50 * time.Millisecond
	l := newLink(t, testConfig(), downCfg, h)

	refs, _, err := l.up.Allocate(ctx, 1)
	require.NoError(t, err)
	stuck, err := l.up.Gate(ctx, mustGate(t, "stuck", refs, nil))
	require.NoError(t, err)
	<-h.started

	report, err := l.up.Abort(ctx)
	var lost *LostError
	require.ErrorAs(t, err, &lost)
	assert.Contains(t, report.Lost, stuck)
	assert.Contains(t, lost.Seqs, stuck)
	assert.ErrorIs(t, l.serveErr(t), ErrFlushTimeout)
	assert.ErrorIs(t, l.up.Wait(ctx, stuck), ErrTransport)

	err = l.up.Sync(ctx)
	require.ErrorAs(t, err, &lost)
	assert.Contains(t, lost.Seqs, stuck)
}

func TestDownstreamQuiesceLocally(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	l := newLink(t, testConfig(), testConfig(), newBitHandler())

	_, seq, err := l.up.Allocate(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, l.up.Wait(ctx, seq))

	require.NoError(t, l.down.Quiesce(ctx))
	require.NoError(t, l.serveErr(t))
	require.Eventually(t, func() bool { return l.up.Err() != nil }, time.Second, time.Millisecond)
	assert.True(t, errors.Is(l.up.Err(), ErrAborted))
	assert.Empty(t, l.up.Lost())
}
