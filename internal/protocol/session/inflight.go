package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/gatestream/internal/protocol"
	"github.com/danmuck/gatestream/internal/qubit"
)

var ErrDuplicateSequence = errors.New("session: sequence number already in flight")

// PendingRequest tracks one pipelined request awaiting acknowledgement.
type PendingRequest struct {
	Seq      protocol.SequenceNumber
	Kind     string
	QueuedAt time.Time
	// Cycle is the sender's simulation time when the request was issued.
	Cycle    qubit.Cycles
	Measures []qubit.Ref
	Measured int
	// Failed is set by MarkFailed; Failure may be empty.
	Failed  bool
	Failure string
}

// InFlight stores pending requests by sequence number.
type InFlight struct {
	mu    sync.RWMutex
	items map[protocol.SequenceNumber]PendingRequest
}

func NewInFlight() *InFlight {
	return &InFlight{
		items: make(map[protocol.SequenceNumber]PendingRequest),
	}
}

func (t *InFlight) Add(item PendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[item.Seq]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateSequence, item.Seq)
	}
	item.Measures = append([]qubit.Ref(nil), item.Measures...)
	t.items[item.Seq] = item
	return nil
}

// MarkMeasured counts one measurement result against seq.
func (t *InFlight) MarkMeasured(seq protocol.SequenceNumber) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[seq]
	if !ok {
		return PendingRequest{}, false
	}
	item.Measured++
	t.items[seq] = item
	return item, true
}

// MarkFailed records a failure message against seq without evicting it.
func (t *InFlight) MarkFailed(seq protocol.SequenceNumber, msg string) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[seq]
	if !ok {
		return PendingRequest{}, false
	}
	item.Failed = true
	item.Failure = msg
	t.items[seq] = item
	return item, true
}

// ResolveUpTo evicts every entry with a sequence number <= seq and returns
// them in ascending order.
func (t *InFlight) ResolveUpTo(seq protocol.SequenceNumber) []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingRequest, 0)
	for s, item := range t.items {
		if s <= seq {
			out = append(out, item)
			delete(t.items, s)
		}
	}
	sortPending(out)
	return out
}

// Drain evicts and returns everything still pending.
func (t *InFlight) Drain() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingRequest, 0, len(t.items))
	for s, item := range t.items {
		out = append(out, item)
		delete(t.items, s)
	}
	sortPending(out)
	return out
}

func (t *InFlight) Get(seq protocol.SequenceNumber) (PendingRequest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[seq]
	return item, ok
}

func (t *InFlight) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *InFlight) List() []PendingRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingRequest, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

// Sequences returns the pending sequence numbers in ascending order.
func Sequences(items []PendingRequest) []protocol.SequenceNumber {
	out := make([]protocol.SequenceNumber, len(items))
	for i, item := range items {
		out[i] = item.Seq
	}
	return out
}

func sortPending(items []PendingRequest) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Seq < items[j].Seq
	})
}
