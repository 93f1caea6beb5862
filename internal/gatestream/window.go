package gatestream

import (
	"sync"

	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/protocol"
)

// result is the outcome of one pipelined request on the receiving side.
type result struct {
	failed   bool
	failure  string
	measured []measurement.Measurement
}

// window holds finished results until every earlier request has finished,
// then releases them to the outbox in sequence order.
type window struct {
	mu      sync.Mutex
	next    protocol.SequenceNumber
	pending map[protocol.SequenceNumber]result
	out     *outbox
	changed chan struct{}
}

func newWindow(out *outbox) *window {
	return &window{
		pending: make(map[protocol.SequenceNumber]result),
		out:     out,
		changed: make(chan struct{}),
	}
}

// complete records the result for seq and releases the contiguous prefix.
// One CompletedUpTo covers the whole released range and follows its
// Measured and Failure messages.
func (w *window) complete(seq protocol.SequenceNumber, r result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[seq] = r

	var batch []protocol.Up
	released := false
	var last protocol.SequenceNumber
	for {
		r, ok := w.pending[w.next]
		if !ok {
			break
		}
		delete(w.pending, w.next)
		if r.failed {
			batch = append(batch, protocol.Failure(w.next, r.failure))
		} else {
			for _, m := range r.measured {
				batch = append(batch, protocol.Measured(w.next, m))
			}
		}
		released = true
		last = w.next
		w.next++
	}
	if !released {
		return
	}
	batch = append(batch, protocol.CompletedUpTo(last))
	w.out.push(batch...)
	close(w.changed)
	w.changed = make(chan struct{})
}

// progress returns the first unreleased sequence number and a channel closed
// on the next release.
func (w *window) progress() (protocol.SequenceNumber, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next, w.changed
}

// outbox is the queue between the window and the single writer goroutine.
type outbox struct {
	mu      sync.Mutex
	items   []protocol.Up
	pushed  uint64
	written uint64
	signal  chan struct{}
	changed chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		signal:  make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

// push appends msgs and returns the write count at which they are all out.
func (o *outbox) push(msgs ...protocol.Up) uint64 {
	o.mu.Lock()
	o.items = append(o.items, msgs...)
	o.pushed += uint64(len(msgs))
	target := o.pushed
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return target
}

func (o *outbox) takeAll() []protocol.Up {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) markWritten() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written++
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *outbox) progress() (uint64, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written, o.changed
}
