package protocol

import (
	"fmt"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/protocol/schema"
	"github.com/danmuck/gatestream/internal/qubit"
)

// SequenceNumber identifies one pipelined Down message on one link.
type SequenceNumber uint64

// InitialSequence is the agreed number of the first pipelined message.
const InitialSequence SequenceNumber = 0

func (s SequenceNumber) Next() SequenceNumber {
	return s + 1
}

func (s SequenceNumber) String() string {
	return fmt.Sprintf("#%d", uint64(s))
}

// Down is a message from an upstream plugin to its downstream neighbor.
// Only the fields relevant to Type are set.
type Down struct {
	Type     uint32
	Seq      SequenceNumber
	Qubits   []qubit.Ref
	Commands []arb.Cmd
	Gate     gate.Gate
	Cycles   qubit.Cycles
	Cmd      arb.Cmd
}

func (d Down) Pipelined() bool {
	return schema.IsPipelined(d.Type)
}

func (d Down) Kind() string {
	return schema.Name(d.Type)
}

// NewAllocate announces qubits issued by the sender's generator.
func NewAllocate(qubits []qubit.Ref, cmds ...arb.Cmd) Down {
	return Down{Type: schema.MsgAllocate, Qubits: append([]qubit.Ref(nil), qubits...), Commands: append([]arb.Cmd(nil), cmds...)}
}

func NewFree(qubits ...qubit.Ref) Down {
	return Down{Type: schema.MsgFree, Qubits: append([]qubit.Ref(nil), qubits...)}
}

func NewGate(g gate.Gate) Down {
	return Down{Type: schema.MsgGate, Gate: g}
}

func NewAdvance(cycles qubit.Cycles) Down {
	return Down{Type: schema.MsgAdvance, Cycles: cycles}
}

func NewArbRequest(cmd arb.Cmd) Down {
	return Down{Type: schema.MsgArbRequest, Cmd: cmd}
}

func NewAbort() Down {
	return Down{Type: schema.MsgAbort}
}

// Up is a message from a downstream plugin back to its upstream neighbor.
type Up struct {
	Type        uint32
	Seq         SequenceNumber
	Message     string
	Measurement measurement.Measurement
	Data        arb.Data
	Received    uint64
	Discarded   uint64
}

func (u Up) Kind() string {
	return schema.Name(u.Type)
}

// CompletedUpTo cumulatively acknowledges every request up to and including seq.
func CompletedUpTo(seq SequenceNumber) Up {
	return Up{Type: schema.MsgCompletedUpTo, Seq: seq}
}

// Failure reports that request seq failed.
func Failure(seq SequenceNumber, msg string) Up {
	return Up{Type: schema.MsgFailure, Seq: seq, Message: msg}
}

// Measured carries one measurement produced by request seq.
func Measured(seq SequenceNumber, m measurement.Measurement) Up {
	return Up{Type: schema.MsgMeasured, Seq: seq, Measurement: m}
}

func ArbSuccess(d arb.Data) Up {
	return Up{Type: schema.MsgArbSuccess, Data: d}
}

func ArbFailure(msg string) Up {
	return Up{Type: schema.MsgArbFailure, Message: msg}
}

// Quiesced acknowledges an abort once every produced result was flushed.
// received counts pipelined requests seen, discarded those never executed.
func Quiesced(received, discarded uint64) Up {
	return Up{Type: schema.MsgQuiesced, Received: received, Discarded: discarded}
}
