package protocol

import (
	"fmt"
	"io"

	"github.com/danmuck/gatestream/internal/protocol/frame"
	"github.com/danmuck/gatestream/internal/protocol/schema"
	"github.com/danmuck/gatestream/internal/protocol/tlv"
)

// EncodeDown converts d into a frame. Pipelined messages carry d.Seq in the
// frame header.
func EncodeDown(d Down) (frame.Frame, error) {
	if !schema.IsDown(d.Type) {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedDirection, d.Kind())
	}
	var fields []tlv.Field
	switch d.Type {
	case schema.MsgAllocate:
		fields = append(fields, refsField(schema.FieldQubits, d.Qubits))
		fields = append(fields, nestedCmdFields(d.Commands)...)
	case schema.MsgFree:
		fields = append(fields, refsField(schema.FieldQubits, d.Qubits))
	case schema.MsgGate:
		fields = gateFields(d.Gate)
	case schema.MsgAdvance:
		fields = append(fields, tlv.U64Field(schema.FieldCycles, uint64(d.Cycles)))
	case schema.MsgArbRequest:
		if err := d.Cmd.Validate(); err != nil {
			return frame.Frame{}, err
		}
		fields = cmdFields(d.Cmd)
	case schema.MsgAbort:
	}
	return buildFrame(d.Type, d.Seq, d.Pipelined(), 0, fields)
}

// EncodeUp converts u into a frame.
func EncodeUp(u Up) (frame.Frame, error) {
	if schema.IsDown(u.Type) {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnexpectedDirection, u.Kind())
	}
	var fields []tlv.Field
	flags := frame.FlagIsResponse
	switch u.Type {
	case schema.MsgCompletedUpTo:
		fields = append(fields, tlv.U64Field(schema.FieldSequence, uint64(u.Seq)))
	case schema.MsgFailure:
		flags |= frame.FlagIsError
		fields = append(fields,
			tlv.U64Field(schema.FieldSequence, uint64(u.Seq)),
			tlv.StringField(schema.FieldMessage, u.Message),
		)
	case schema.MsgMeasured:
		fields = append(fields, tlv.U64Field(schema.FieldSequence, uint64(u.Seq)))
		fields = append(fields, measurementFields(u.Measurement)...)
	case schema.MsgArbSuccess:
		fields = dataFields(u.Data)
	case schema.MsgArbFailure:
		flags |= frame.FlagIsError
		fields = append(fields, tlv.StringField(schema.FieldMessage, u.Message))
	case schema.MsgQuiesced:
		fields = append(fields,
			tlv.U64Field(schema.FieldReceived, u.Received),
			tlv.U64Field(schema.FieldDiscarded, u.Discarded),
		)
	}
	return buildFrame(u.Type, 0, false, flags, fields)
}

func buildFrame(msgType uint32, seq SequenceNumber, pipelined bool, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(msgType, fields); err != nil {
		return frame.Frame{}, err
	}
	h := frame.Header{MessageType: msgType, Flags: flags}
	if pipelined {
		h.Flags |= frame.FlagPipelined
		h.Sequence = uint64(seq)
	}
	return frame.Frame{Header: h, Payload: tlv.EncodeFields(fields)}, nil
}

// WriteDown encodes d and writes it as one frame.
func WriteDown(w io.Writer, d Down, limits frame.Limits) error {
	f, err := EncodeDown(d)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

// WriteUp encodes u and writes it as one frame.
func WriteUp(w io.Writer, u Up, limits frame.Limits) error {
	f, err := EncodeUp(u)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}
