package protocol

import (
	"io"

	"github.com/danmuck/gatestream/internal/protocol/frame"
	"github.com/danmuck/gatestream/internal/protocol/schema"
	"github.com/danmuck/gatestream/internal/protocol/tlv"
	"github.com/danmuck/gatestream/internal/qubit"
)

// DecodeDown parses a Down frame. Any malformation is a protocol violation.
func DecodeDown(f frame.Frame) (Down, error) {
	t := f.Header.MessageType
	if !schema.IsDown(t) {
		return Down{}, WrapViolation("decode down "+schema.Name(t), ErrUnexpectedDirection)
	}
	if f.Header.Pipelined() != schema.IsPipelined(t) {
		return Down{}, WrapViolation("decode down "+schema.Name(t), ErrSequenceOnControl)
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return Down{}, err
	}
	d := Down{Type: t}
	if f.Header.Pipelined() {
		d.Seq = SequenceNumber(f.Header.Sequence)
	}
	switch t {
	case schema.MsgAllocate:
		if d.Qubits, err = refsFrom(fields, schema.FieldQubits); err != nil {
			break
		}
		d.Commands, err = nestedCmdsFrom(fields)
	case schema.MsgFree:
		d.Qubits, err = refsFrom(fields, schema.FieldQubits)
	case schema.MsgGate:
		d.Gate, err = gateFrom(fields)
	case schema.MsgAdvance:
		var c uint64
		c, err = requiredU64(fields, schema.FieldCycles)
		d.Cycles = qubit.Cycles(c)
	case schema.MsgArbRequest:
		d.Cmd, err = cmdFrom(fields)
	case schema.MsgAbort:
	}
	if err != nil {
		return Down{}, WrapViolation("decode down "+schema.Name(t), err)
	}
	return d, nil
}

// DecodeUp parses an Up frame. Any malformation is a protocol violation.
func DecodeUp(f frame.Frame) (Up, error) {
	t := f.Header.MessageType
	if schema.IsDown(t) {
		return Up{}, WrapViolation("decode up "+schema.Name(t), ErrUnexpectedDirection)
	}
	if f.Header.Pipelined() {
		return Up{}, WrapViolation("decode up "+schema.Name(t), ErrSequenceOnControl)
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return Up{}, err
	}
	u := Up{Type: t}
	switch t {
	case schema.MsgCompletedUpTo:
		var s uint64
		s, err = requiredU64(fields, schema.FieldSequence)
		u.Seq = SequenceNumber(s)
	case schema.MsgFailure:
		var s uint64
		s, err = requiredU64(fields, schema.FieldSequence)
		u.Seq = SequenceNumber(s)
		u.Message = requiredString(fields, schema.FieldMessage)
	case schema.MsgMeasured:
		var s uint64
		if s, err = requiredU64(fields, schema.FieldSequence); err != nil {
			break
		}
		u.Seq = SequenceNumber(s)
		u.Measurement, err = measurementFrom(fields)
	case schema.MsgArbSuccess:
		u.Data, err = dataFrom(fields)
	case schema.MsgArbFailure:
		u.Message = requiredString(fields, schema.FieldMessage)
	case schema.MsgQuiesced:
		if u.Received, err = requiredU64(fields, schema.FieldReceived); err != nil {
			break
		}
		u.Discarded, err = requiredU64(fields, schema.FieldDiscarded)
	}
	if err != nil {
		return Up{}, WrapViolation("decode up "+schema.Name(t), err)
	}
	return u, nil
}

func decodeValidated(f frame.Frame) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, WrapViolation("decode fields", err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, WrapViolation("validate fields", err)
	}
	return fields, nil
}

// ReadDown reads and decodes one Down frame. Transport errors are returned
// unwrapped so callers can tell them apart from violations.
func ReadDown(r io.Reader, limits frame.Limits) (Down, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Down{}, err
	}
	return DecodeDown(f)
}

// ReadUp reads and decodes one Up frame.
func ReadUp(r io.Reader, limits frame.Limits) (Up, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Up{}, err
	}
	return DecodeUp(f)
}
