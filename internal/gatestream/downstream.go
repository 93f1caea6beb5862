package gatestream

import (
	"context"
	"fmt"
	"io"
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

// Handler executes requests received by a Downstream. With more than one
// worker, methods are called concurrently.
type Handler interface {
	Allocate(ctx context.Context, qubits []qubit.Ref, cmds []arb.Cmd) error
	Free(ctx context.Context, qubits []qubit.Ref) error
	// Gate returns exactly one measurement per qubit in g.Measures().
	Gate(ctx context.Context, g gate.Gate) ([]measurement.Measurement, error)
	Advance(ctx context.Context, cycles qubit.Cycles) error
	Arb(ctx context.Context, cmd arb.Cmd) (arb.Data, error)
}

// DownstreamStats is a snapshot of the receiving side of a link.
type DownstreamStats struct {
	Expected  protocol.SequenceNumber `json:"expected"`
	Released  protocol.SequenceNumber `json:"released"`
	Received  uint64                  `json:"received"`
	Discarded uint64                  `json:"discarded"`
	Live      int                     `json:"live"`
	Aborting  bool                    `json:"aborting"`
	Quiesced  bool                    `json:"quiesced"`
}

type job struct {
	msg protocol.Down
}

// Downstream is the receiving side of a gatestream link.
type Downstream struct {
	name    string
	conn    io.ReadWriteCloser
	cfg     session.Config
	handler Handler
	log     *logproxy.Proxy

	queue   chan job
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	out     *outbox
	win     *window

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	expected  protocol.SequenceNumber
	received  uint64
	discarded uint64
	live      map[qubit.Ref]struct{}
	aborting  bool
	err       error

	abortOnce sync.Once
	abortErr  error
	quiesced  chan struct{}
	closeOnce sync.Once
}

func NewDownstream(name string, conn io.ReadWriteCloser, handler Handler, cfg session.Config, log *logproxy.Proxy) *Downstream {
	cfg = cfg.WithDefaults()
	out := newOutbox()
	ctx, cancel := context.WithCancel(context.Background())
	return &Downstream{
		name:     name,
		conn:     conn,
		cfg:      cfg,
		handler:  handler,
		log:      log,
		queue:    make(chan job, cfg.QueueDepth),
		stop:     make(chan struct{}),
		out:      out,
		win:      newWindow(out),
		ctx:      ctx,
		cancel:   cancel,
		expected: protocol.InitialSequence,
		live:     make(map[qubit.Ref]struct{}),
		quiesced: make(chan struct{}),
	}
}

// Serve reads Down messages until the link is aborted or fails. It returns
// nil after a completed abort, otherwise the fatal error that ended the link.
func (d *Downstream) Serve(ctx context.Context) error {
	d.log.Debugf("gatestream.Downstream.Serve link=%s workers=%d queue=%d", d.name, d.cfg.Workers, d.cfg.QueueDepth)
	stopWatch := context.AfterFunc(ctx, func() {
		d.fail(ctx.Err())
	})
	defer stopWatch()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.wg.Add(1)
	go d.writeLoop()

	err := d.readLoop()
	d.cancel()
	d.wg.Wait()
	d.closeConn()
	return err
}

func (d *Downstream) readLoop() error {
	for {
		setReadDeadline(d.conn, d.cfg.ReadTimeout)
		msg, err := protocol.ReadDown(d.conn, d.cfg.Limits)
		if err != nil {
			if d.isAborting() {
				<-d.quiesced
				return d.abortErr
			}
			return d.fail(classifyRead(err))
		}
		observability.RecordLinkMessage(d.name, "down", msg.Kind())
		switch {
		case msg.Pipelined():
			if err := d.intake(msg); err != nil {
				return d.fail(err)
			}
		case msg.Type == schema.MsgArbRequest:
			if err := d.handleArb(msg.Cmd); err != nil {
				return d.fail(err)
			}
		case msg.Type == schema.MsgAbort:
			d.log.Infof("gatestream.Downstream.readLoop link=%s abort received", d.name)
			return d.abort()
		}
	}
}

// intake checks ordering and qubit liveness in receive order, then either
// answers the request directly or queues it for a worker.
func (d *Downstream) intake(msg protocol.Down) error {
	d.mu.Lock()
	if d.aborting {
		d.mu.Unlock()
		return nil
	}
	if msg.Seq != d.expected {
		expected := d.expected
		d.mu.Unlock()
		if msg.Seq < expected {
			return protocol.Violation("duplicate or decreasing sequence number %v, expected %v", msg.Seq, expected)
		}
		return protocol.Violation("skipped sequence number %v, expected %v", msg.Seq, expected)
	}
	d.expected = d.expected.Next()
	d.received++

	reject := ""
	switch msg.Type {
	case schema.MsgAllocate:
		for _, q := range msg.Qubits {
			if _, ok := d.live[q]; ok {
				d.mu.Unlock()
				return protocol.Violation("qubit %v allocated while still live", q)
			}
		}
		for _, q := range msg.Qubits {
			d.live[q] = struct{}{}
		}
	case schema.MsgFree:
		if q, ok := d.firstDeadLocked(msg.Qubits); !ok {
			reject = fmt.Sprintf("qubit %v is not allocated", q)
			break
		}
		for _, q := range msg.Qubits {
			delete(d.live, q)
		}
	case schema.MsgGate:
		if q, ok := d.firstDeadLocked(msg.Gate.Qubits()); !ok {
			reject = fmt.Sprintf("gate %s: qubit %v is not allocated", msg.Gate.Name(), q)
		}
	}
	d.mu.Unlock()

	if reject != "" {
		d.log.Warnf("gatestream.Downstream.intake link=%s seq=%v %s", d.name, msg.Seq, reject)
		d.win.complete(msg.Seq, result{failed: true, failure: reject})
		return nil
	}
	select {
	case d.queue <- job{msg: msg}:
	case <-d.ctx.Done():
	}
	return nil
}

func (d *Downstream) firstDeadLocked(qs []qubit.Ref) (qubit.Ref, bool) {
	for _, q := range qs {
		if _, ok := d.live[q]; !ok {
			return q, false
		}
	}
	return qubit.Invalid, true
}

func (d *Downstream) work() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.win.complete(j.msg.Seq, d.execute(j.msg))
		case <-d.stop:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Downstream) execute(msg protocol.Down) result {
	d.mu.Lock()
	if d.aborting {
		d.discarded++
		d.mu.Unlock()
		return result{failed: true, failure: AbortedMessage}
	}
	d.mu.Unlock()

	var err error
	var measured []measurement.Measurement
	switch msg.Type {
	case schema.MsgAllocate:
		err = d.handler.Allocate(d.ctx, msg.Qubits, msg.Commands)
	case schema.MsgFree:
		err = d.handler.Free(d.ctx, msg.Qubits)
	case schema.MsgGate:
		measured, err = d.handler.Gate(d.ctx, msg.Gate)
		if err == nil {
			err = checkMeasured(msg.Gate, measured)
		}
	case schema.MsgAdvance:
		err = d.handler.Advance(d.ctx, msg.Cycles)
	}
	if err != nil {
		d.log.Debugf("gatestream.Downstream.execute link=%s seq=%v kind=%s err=%v", d.name, msg.Seq, msg.Kind(), err)
		return result{failed: true, failure: err.Error()}
	}
	return result{measured: measured}
}

// checkMeasured requires one measurement per measured qubit.
func checkMeasured(g gate.Gate, measured []measurement.Measurement) error {
	want := g.Measures()
	if len(measured) != len(want) {
		return fmt.Errorf("gate %s produced %d measurements for %d measured qubits", g.Name(), len(measured), len(want))
	}
	seen := make(map[qubit.Ref]bool, len(want))
	for _, q := range want {
		seen[q] = false
	}
	for _, m := range measured {
		done, ok := seen[m.Qubit()]
		if !ok || done {
			return fmt.Errorf("gate %s produced an unexpected measurement of %v", g.Name(), m.Qubit())
		}
		seen[m.Qubit()] = true
	}
	return nil
}

// handleArb runs cmd once every earlier pipelined request has been released.
func (d *Downstream) handleArb(cmd arb.Cmd) error {
	d.mu.Lock()
	expected := d.expected
	d.mu.Unlock()
	if err := d.waitReleased(d.ctx, expected, nil); err != nil {
		return err
	}
	data, err := d.handler.Arb(d.ctx, cmd)
	if err != nil {
		d.out.push(protocol.ArbFailure(err.Error()))
		return nil
	}
	d.out.push(protocol.ArbSuccess(data))
	return nil
}

func (d *Downstream) waitReleased(ctx context.Context, upTo protocol.SequenceNumber, timeout <-chan time.Time) error {
	for {
		next, changed := d.win.progress()
		if next >= upTo {
			return nil
		}
		select {
		case <-changed:
		case <-timeout:
			return fmt.Errorf("%w: %d requests unfinished", ErrFlushTimeout, upTo-next)
		case <-ctx.Done():
			return d.failure(ctx.Err())
		}
	}
}

func (d *Downstream) writeLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.out.signal:
		case <-d.stop:
			return
		case <-d.ctx.Done():
			return
		}
		for _, up := range d.out.takeAll() {
			f, err := protocol.EncodeUp(up)
			if err == nil {
				err = writeFrame(d.ctx, d.conn, f, d.cfg.Limits, d.cfg.WriteTimeout)
			}
			if err != nil {
				d.fail(fmt.Errorf("%w: write %s: %w", ErrTransport, up.Kind(), err))
				return
			}
			observability.RecordLinkMessage(d.name, "up", up.Kind())
			d.out.markWritten()
		}
	}
}

// Quiesce runs the abort procedure locally, as if the peer had sent Abort,
// and waits for it to finish. It is a no-op wait when an abort is already
// under way.
func (d *Downstream) Quiesce(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- d.abort()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return d.fail(ctx.Err())
	}
}

func (d *Downstream) abort() error {
	d.abortOnce.Do(func() {
		d.abortErr = d.quiesce()
		close(d.quiesced)
	})
	<-d.quiesced
	return d.abortErr
}

// quiesce stops intake, discards queued work, waits for started work, flushes
// every released result and finally writes Quiesced.
func (d *Downstream) quiesce() error {
	d.mu.Lock()
	d.aborting = true
	expected := d.expected
	d.mu.Unlock()

	timer := time.NewTimer(d.cfg.FlushTimeout)
	defer timer.Stop()

	if err := d.waitReleased(d.ctx, expected, timer.C); err != nil {
		return d.fail(err)
	}

	d.mu.Lock()
	received, discarded := d.received, d.discarded
	d.mu.Unlock()
	target := d.out.push(protocol.Quiesced(received, discarded))
	for {
		written, changed := d.out.progress()
		if written >= target {
			break
		}
		select {
		case <-changed:
		case <-timer.C:
			return d.fail(fmt.Errorf("%w: quiescence not written", ErrFlushTimeout))
		case <-d.ctx.Done():
			return d.failure(d.ctx.Err())
		}
	}
	d.log.Infof("gatestream.Downstream.quiesce link=%s received=%d discarded=%d", d.name, received, discarded)
	d.stopped.Do(func() { close(d.stop) })
	d.closeConn()
	return nil
}

// fail records the first fatal error and tears the link down.
func (d *Downstream) fail(err error) error {
	d.mu.Lock()
	first := d.err == nil
	if first {
		d.err = err
	}
	err = d.err
	d.mu.Unlock()
	if first && err != ErrClosed {
		observability.RecordLinkFailure(d.name, failureKind(err))
		d.log.Errorf("gatestream.Downstream.fail link=%s err=%v", d.name, err)
	}
	d.cancel()
	d.closeConn()
	return err
}

// failure returns the recorded fatal error, or fallback if there is none.
func (d *Downstream) failure(fallback error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	return fallback
}

func (d *Downstream) isAborting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborting
}

func (d *Downstream) closeConn() {
	d.closeOnce.Do(func() {
		_ = d.conn.Close()
	})
}

func (d *Downstream) Stats() DownstreamStats {
	released, _ := d.win.progress()
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := DownstreamStats{
		Expected:  d.expected,
		Released:  released,
		Received:  d.received,
		Discarded: d.discarded,
		Live:      len(d.live),
		Aborting:  d.aborting,
	}
	select {
	case <-d.quiesced:
		stats.Quiesced = true
	default:
	}
	return stats
}

// Close tears the link down without quiescing.
func (d *Downstream) Close() error {
	d.fail(ErrClosed)
	return nil
}
