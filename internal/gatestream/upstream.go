package gatestream

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/observability"
	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/protocol/schema"
	"github.com/danmuck/gatestream/internal/protocol/session"
	"github.com/danmuck/gatestream/internal/qubit"
)

// AbortReport classifies the requests that were in flight when Abort began.
type AbortReport struct {
	InFlight  []protocol.SequenceNumber
	Completed []protocol.SequenceNumber
	Failed    []protocol.SequenceNumber
	Lost      []protocol.SequenceNumber
	// Received and Discarded are the peer's counts from Quiesced.
	Received  uint64
	Discarded uint64
}

// UpstreamStats is a snapshot of the sending side of a link.
type UpstreamStats struct {
	Sent     uint64       `json:"sent"`
	Acked    uint64       `json:"acked"`
	InFlight int          `json:"in_flight"`
	Lost     int          `json:"lost"`
	Cycle    qubit.Cycles `json:"cycle"`
	Results  int          `json:"results"`
}

// Upstream is the sending side of a gatestream link. It is safe for
// concurrent use; Send calls are serialized.
type Upstream struct {
	name string
	conn io.ReadWriteCloser
	cfg  session.Config
	log  *logproxy.Proxy

	writeMu sync.Mutex
	arbMu   sync.Mutex

	mu        sync.Mutex
	gen       *qubit.Generator
	next      protocol.SequenceNumber
	acked     protocol.SequenceNumber
	cycle     qubit.Cycles
	inflight  *session.InFlight
	failures  map[protocol.SequenceNumber]string
	results   *measurement.ResultSet
	history   *measurement.History
	changed   chan struct{}
	arbOut    int
	arbStale  int
	arbReply  chan protocol.Up
	aborting  bool
	quiesced  chan protocol.Up
	err       error
	lost      []protocol.SequenceNumber
	done      chan struct{}
	closeOnce sync.Once
}

// NewUpstream starts the receive loop on conn.
func NewUpstream(name string, conn io.ReadWriteCloser, cfg session.Config, log *logproxy.Proxy) *Upstream {
	u := &Upstream{
		name:     name,
		conn:     conn,
		cfg:      cfg.WithDefaults(),
		log:      log,
		gen:      qubit.NewGenerator(),
		next:     protocol.InitialSequence,
		acked:    protocol.InitialSequence,
		inflight: session.NewInFlight(),
		failures: make(map[protocol.SequenceNumber]string),
		results:  measurement.NewResultSet(),
		history:  measurement.NewHistory(),
		changed:  make(chan struct{}),
		arbReply: make(chan protocol.Up, 1),
		quiesced: make(chan protocol.Up, 1),
		done:     make(chan struct{}),
	}
	go u.receiveLoop()
	return u
}

// Send assigns the next sequence number to d, records it as in flight and
// writes it. The write blocks while the peer is not reading.
func (u *Upstream) Send(ctx context.Context, d protocol.Down) (protocol.SequenceNumber, error) {
	if !d.Pipelined() {
		return 0, fmt.Errorf("%w: %s", ErrNotPipelined, d.Kind())
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	u.mu.Lock()
	if err := u.usableLocked(); err != nil {
		u.mu.Unlock()
		return 0, err
	}
	seq := u.next
	d.Seq = seq
	f, err := protocol.EncodeDown(d)
	if err != nil {
		u.mu.Unlock()
		return 0, err
	}
	u.next = u.next.Next()
	if d.Type == schema.MsgAdvance {
		u.cycle = u.cycle.Add(d.Cycles)
	}
	if err := u.inflight.Add(session.PendingRequest{
		Seq:      seq,
		Kind:     d.Kind(),
		QueuedAt: time.Now(),
		Cycle:    u.cycle,
		Measures: d.Gate.Measures(),
	}); err != nil {
		u.mu.Unlock()
		return seq, u.fail(protocol.WrapViolation("record in-flight request", err))
	}
	inflight := u.inflight.Len()
	u.mu.Unlock()
	observability.SetLinkInFlight(u.name, inflight)

	if err := writeFrame(ctx, u.conn, f, u.cfg.Limits, u.cfg.WriteTimeout); err != nil {
		return seq, u.fail(fmt.Errorf("%w: write %v: %w", ErrTransport, seq, err))
	}
	observability.RecordLinkMessage(u.name, "down", d.Kind())
	u.log.Tracef("gatestream.Upstream.Send link=%s seq=%v kind=%s", u.name, seq, d.Kind())
	return seq, nil
}

// Allocate issues n fresh qubit references and announces them downstream.
func (u *Upstream) Allocate(ctx context.Context, n int, cmds ...arb.Cmd) ([]qubit.Ref, protocol.SequenceNumber, error) {
	u.mu.Lock()
	refs := u.gen.AllocateN(n)
	u.mu.Unlock()
	seq, err := u.Send(ctx, protocol.NewAllocate(refs, cmds...))
	return refs, seq, err
}

func (u *Upstream) Free(ctx context.Context, qubits ...qubit.Ref) (protocol.SequenceNumber, error) {
	seq, err := u.Send(ctx, protocol.NewFree(qubits...))
	if err == nil {
		u.mu.Lock()
		for _, q := range qubits {
			u.history.Forget(q)
		}
		u.mu.Unlock()
	}
	return seq, err
}

func (u *Upstream) Gate(ctx context.Context, g gate.Gate) (protocol.SequenceNumber, error) {
	return u.Send(ctx, protocol.NewGate(g))
}

func (u *Upstream) Advance(ctx context.Context, cycles qubit.Cycles) (protocol.SequenceNumber, error) {
	return u.Send(ctx, protocol.NewAdvance(cycles))
}

// Wait blocks until seq is acknowledged. A request the peer reported as
// failed returns *FailureError; a request lost with the link returns the
// link's fatal error.
func (u *Upstream) Wait(ctx context.Context, seq protocol.SequenceNumber) error {
	for {
		u.mu.Lock()
		if seq >= u.next {
			u.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrUnknownSequence, seq)
		}
		if seq < u.acked {
			msg, failed := u.failures[seq]
			u.mu.Unlock()
			if failed {
				return &FailureError{Seq: seq, Message: msg}
			}
			return nil
		}
		if u.err != nil {
			err := u.err
			u.mu.Unlock()
			return &LostError{Seqs: []protocol.SequenceNumber{seq}, Err: err}
		}
		changed := u.changed
		u.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sync waits until nothing is in flight. Requests lost with the link are
// reported in a *LostError.
func (u *Upstream) Sync(ctx context.Context) error {
	for {
		u.mu.Lock()
		if len(u.lost) > 0 {
			err := &LostError{Seqs: slices.Clone(u.lost), Err: u.err}
			u.mu.Unlock()
			return err
		}
		if u.inflight.Len() == 0 {
			u.mu.Unlock()
			return nil
		}
		if u.err != nil {
			err := &LostError{Seqs: session.Sequences(u.inflight.List()), Err: u.err}
			u.mu.Unlock()
			return err
		}
		changed := u.changed
		u.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Arb sends a non-pipelined command. The peer runs it after every earlier
// pipelined request has completed.
func (u *Upstream) Arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error) {
	u.arbMu.Lock()
	defer u.arbMu.Unlock()

	f, err := protocol.EncodeDown(protocol.NewArbRequest(cmd))
	if err != nil {
		return arb.Data{}, err
	}
	u.writeMu.Lock()
	u.mu.Lock()
	if err := u.usableLocked(); err != nil {
		u.mu.Unlock()
		u.writeMu.Unlock()
		return arb.Data{}, err
	}
	u.arbOut++
	u.mu.Unlock()
	err = writeFrame(ctx, u.conn, f, u.cfg.Limits, u.cfg.WriteTimeout)
	u.writeMu.Unlock()
	if err != nil {
		return arb.Data{}, u.fail(fmt.Errorf("%w: write arb_request: %w", ErrTransport, err))
	}
	observability.RecordLinkMessage(u.name, "down", schema.Name(schema.MsgArbRequest))

	select {
	case reply := <-u.arbReply:
		if reply.Type == schema.MsgArbFailure {
			return arb.Data{}, &ArbError{Message: reply.Message}
		}
		return reply.Data, nil
	case <-u.done:
		return arb.Data{}, u.failure(ErrClosed)
	case <-ctx.Done():
		u.mu.Lock()
		select {
		case <-u.arbReply:
		default:
			u.arbStale++
		}
		u.mu.Unlock()
		return arb.Data{}, ctx.Err()
	}
}

// Abort asks the peer to discard pending work and waits, up to FlushTimeout,
// for every produced result and the closing Quiesced. The link is closed
// afterwards. Requests without an outcome are reported in a *LostError.
func (u *Upstream) Abort(ctx context.Context) (AbortReport, error) {
	u.mu.Lock()
	if u.aborting {
		u.mu.Unlock()
		return AbortReport{}, ErrAborted
	}
	u.aborting = true
	report := AbortReport{InFlight: session.Sequences(u.inflight.List())}
	linkErr := u.err
	u.mu.Unlock()
	u.log.Infof("gatestream.Upstream.Abort link=%s in_flight=%v", u.name, report.InFlight)

	if linkErr == nil {
		ctx, cancel := context.WithTimeout(ctx, u.cfg.FlushTimeout)
		defer cancel()
		u.awaitQuiesced(ctx, &report)
	}

	u.mu.Lock()
	for _, seq := range report.InFlight {
		switch {
		case seq >= u.acked:
			report.Lost = append(report.Lost, seq)
		case u.failed(seq):
			report.Failed = append(report.Failed, seq)
		default:
			report.Completed = append(report.Completed, seq)
		}
	}
	if rest := u.inflight.Drain(); len(rest) > 0 {
		u.lost = append(u.lost, session.Sequences(rest)...)
	}
	cause := u.err
	if cause == nil {
		u.err = ErrAborted
	}
	u.broadcastLocked()
	u.mu.Unlock()

	u.closeConn()
	<-u.done
	if len(report.Lost) > 0 {
		if cause == nil {
			cause = ErrAborted
		}
		return report, &LostError{Seqs: report.Lost, Err: cause}
	}
	return report, nil
}

func (u *Upstream) awaitQuiesced(ctx context.Context, report *AbortReport) {
	f, err := protocol.EncodeDown(protocol.NewAbort())
	if err != nil {
		u.fail(err)
		return
	}
	u.writeMu.Lock()
	err = writeFrame(ctx, u.conn, f, u.cfg.Limits, u.cfg.WriteTimeout)
	u.writeMu.Unlock()
	if err != nil {
		u.fail(fmt.Errorf("%w: write abort: %w", ErrTransport, err))
		return
	}
	observability.RecordLinkMessage(u.name, "down", schema.Name(schema.MsgAbort))

	select {
	case q := <-u.quiesced:
		report.Received, report.Discarded = q.Received, q.Discarded
		return
	case <-u.done:
	case <-ctx.Done():
	}
	select {
	case q := <-u.quiesced:
		report.Received, report.Discarded = q.Received, q.Discarded
	default:
		if ctx.Err() != nil {
			u.fail(fmt.Errorf("%w: no quiescence from peer: %w", ErrFlushTimeout, ctx.Err()))
		}
	}
}

func (u *Upstream) receiveLoop() {
	defer close(u.done)
	for {
		setReadDeadline(u.conn, u.cfg.ReadTimeout)
		msg, err := protocol.ReadUp(u.conn, u.cfg.Limits)
		if err != nil {
			u.fail(classifyRead(err))
			return
		}
		observability.RecordLinkMessage(u.name, "up", msg.Kind())
		if err := u.handle(msg); err != nil {
			u.fail(err)
			return
		}
		if msg.Type == schema.MsgQuiesced {
			u.mu.Lock()
			aborting := u.aborting
			u.mu.Unlock()
			if !aborting {
				u.fail(fmt.Errorf("%w: peer quiesced", ErrAborted))
			}
			return
		}
	}
}

// handle applies one Up message. Any returned error is a protocol violation.
func (u *Upstream) handle(msg protocol.Up) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch msg.Type {
	case schema.MsgCompletedUpTo:
		if msg.Seq < u.acked || msg.Seq >= u.next {
			return protocol.Violation("completed_up_to %v outside in-flight range [%v, %v)", msg.Seq, u.acked, u.next)
		}
		now := time.Now()
		for _, p := range u.inflight.ResolveUpTo(msg.Seq) {
			observability.ObserveAckLatency(u.name, now.Sub(p.QueuedAt))
			if p.Failed {
				u.failures[p.Seq] = p.Failure
				continue
			}
			if p.Measured != len(p.Measures) {
				return protocol.Violation("request %v completed with %d of %d measurements", p.Seq, p.Measured, len(p.Measures))
			}
		}
		u.acked = msg.Seq.Next()
		observability.SetLinkInFlight(u.name, u.inflight.Len())
		u.broadcastLocked()
	case schema.MsgFailure:
		p, ok := u.inflight.Get(msg.Seq)
		if !ok {
			return protocol.Violation("failure for %v which is not in flight", msg.Seq)
		}
		if p.Failed || p.Measured > 0 {
			return protocol.Violation("second outcome for request %v", msg.Seq)
		}
		u.inflight.MarkFailed(msg.Seq, msg.Message)
		u.log.Debugf("gatestream.Upstream.handle link=%s seq=%v failure=%q", u.name, msg.Seq, msg.Message)
	case schema.MsgMeasured:
		p, ok := u.inflight.Get(msg.Seq)
		if !ok {
			return protocol.Violation("measurement for %v which is not in flight", msg.Seq)
		}
		q := msg.Measurement.Qubit()
		if !slices.Contains(p.Measures, q) || p.Failed || p.Measured >= len(p.Measures) {
			return protocol.Violation("unexpected measurement of %v for request %v", q, msg.Seq)
		}
		u.inflight.MarkMeasured(msg.Seq)
		u.results.Insert(msg.Measurement)
		if err := u.history.Record(msg.Measurement, p.Cycle); err != nil {
			u.log.Warnf("gatestream.Upstream.handle link=%s seq=%v history err=%v", u.name, msg.Seq, err)
		}
	case schema.MsgArbSuccess, schema.MsgArbFailure:
		if u.arbOut == 0 {
			return protocol.Violation("unsolicited %s", msg.Kind())
		}
		u.arbOut--
		if u.arbStale > 0 {
			u.arbStale--
			return nil
		}
		u.arbReply <- msg
	case schema.MsgQuiesced:
		if !u.aborting {
			// The peer shut down on its own; nothing in flight will resolve.
			u.log.Warnf("gatestream.Upstream.handle link=%s unsolicited quiesced", u.name)
		}
		u.quiesced <- msg
	}
	return nil
}

func (u *Upstream) failed(seq protocol.SequenceNumber) bool {
	_, ok := u.failures[seq]
	return ok
}

func (u *Upstream) usableLocked() error {
	if u.err != nil {
		return u.err
	}
	if u.aborting {
		return ErrAborted
	}
	return nil
}

func (u *Upstream) broadcastLocked() {
	close(u.changed)
	u.changed = make(chan struct{})
}

// fail records the first fatal error. Everything still in flight is lost.
func (u *Upstream) fail(err error) error {
	u.mu.Lock()
	first := u.err == nil
	if first {
		u.err = err
		u.lost = append(u.lost, session.Sequences(u.inflight.Drain())...)
		u.broadcastLocked()
	}
	err = u.err
	lost := len(u.lost)
	u.mu.Unlock()
	if first && err != ErrClosed {
		observability.RecordLinkFailure(u.name, failureKind(err))
		observability.SetLinkInFlight(u.name, 0)
		u.log.Errorf("gatestream.Upstream.fail link=%s lost=%d err=%v", u.name, lost, err)
	}
	u.closeConn()
	return err
}

func (u *Upstream) failure(fallback error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	return fallback
}

func (u *Upstream) closeConn() {
	u.closeOnce.Do(func() {
		_ = u.conn.Close()
	})
}

// Close tears the link down without an abort handshake.
func (u *Upstream) Close() error {
	u.fail(ErrClosed)
	<-u.done
	return nil
}

// Err returns the fatal error that ended the link, if any.
func (u *Upstream) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Lost returns every request whose outcome was lost with the link.
func (u *Upstream) Lost() []protocol.SequenceNumber {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.lost)
}

// Results returns a copy of the measurements received so far.
func (u *Upstream) Results() *measurement.ResultSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.results.Clone()
}

// TakeResults moves every received measurement out of the link.
func (u *Upstream) TakeResults() *measurement.ResultSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.results
	u.results = measurement.NewResultSet()
	return out
}

func (u *Upstream) TakeMeasurement(q qubit.Ref) (measurement.Measurement, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.results.Take(q)
}

func (u *Upstream) LatestMeasurement(q qubit.Ref) (measurement.Measurement, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.history.Latest(q)
}

// CyclesSinceMeasure is measured against the current send-side cycle.
func (u *Upstream) CyclesSinceMeasure(q qubit.Ref) (qubit.Cycles, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.history.CyclesSinceMeasure(q, u.cycle)
}

func (u *Upstream) CyclesBetweenMeasures(q qubit.Ref) (qubit.Cycles, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.history.CyclesBetweenMeasures(q)
}

func (u *Upstream) Stats() UpstreamStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UpstreamStats{
		Sent:     uint64(u.next),
		Acked:    uint64(u.acked),
		InFlight: u.inflight.Len(),
		Lost:     len(u.lost),
		Cycle:    u.cycle,
		Results:  u.results.Len(),
	}
}
