package schema

import (
	"fmt"

	"github.com/danmuck/gatestream/internal/protocol/tlv"
)

// Message type IDs from the gatestream tlv contract. Down messages travel
// from an upstream plugin to its downstream neighbor, Up messages travel back.
const (
	MsgAllocate   uint32 = 1
	MsgFree       uint32 = 2
	MsgGate       uint32 = 3
	MsgAdvance    uint32 = 4
	MsgArbRequest uint32 = 5
	MsgAbort      uint32 = 6

	MsgCompletedUpTo uint32 = 101
	MsgFailure       uint32 = 102
	MsgMeasured      uint32 = 103
	MsgArbSuccess    uint32 = 104
	MsgArbFailure    uint32 = 105
	MsgQuiesced      uint32 = 106
)

// Field IDs from the gatestream tlv contract.
const (
	FieldQubits    uint16 = 1
	FieldCycles    uint16 = 2
	FieldSequence  uint16 = 3
	FieldMessage   uint16 = 4
	FieldDiscarded uint16 = 5
	FieldReceived  uint16 = 6

	FieldGateName uint16 = 100
	FieldTargets  uint16 = 101
	FieldControls uint16 = 102
	FieldMeasures uint16 = 103
	FieldMatrix   uint16 = 104

	FieldArbInterface uint16 = 200
	FieldArbOperation uint16 = 201
	FieldArbJSON      uint16 = 202
	FieldArbArg       uint16 = 203
	FieldArbCmd       uint16 = 204

	FieldQubit uint16 = 300
	FieldValue uint16 = 301
)

var names = map[uint32]string{
	MsgAllocate:      "allocate",
	MsgFree:          "free",
	MsgGate:          "gate",
	MsgAdvance:       "advance",
	MsgArbRequest:    "arb_request",
	MsgAbort:         "abort",
	MsgCompletedUpTo: "completed_up_to",
	MsgFailure:       "failure",
	MsgMeasured:      "measured",
	MsgArbSuccess:    "arb_success",
	MsgArbFailure:    "arb_failure",
	MsgQuiesced:      "quiesced",
}

// Name returns a stable label for logs and metrics.
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return fmt.Sprintf("unknown_%d", messageType)
}

// IsDown reports whether messageType belongs to the downstream direction.
func IsDown(messageType uint32) bool {
	return messageType >= MsgAllocate && messageType <= MsgAbort
}

// IsPipelined reports whether messageType carries a sequence number.
func IsPipelined(messageType uint32) bool {
	return messageType >= MsgAllocate && messageType <= MsgAdvance
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgAllocate: {
		{FieldQubits, tlv.TypeU64List},
	},
	MsgFree: {
		{FieldQubits, tlv.TypeU64List},
	},
	MsgGate: {
		{FieldGateName, tlv.TypeString},
		{FieldTargets, tlv.TypeU64List},
		{FieldControls, tlv.TypeU64List},
		{FieldMeasures, tlv.TypeU64List},
	},
	MsgAdvance: {
		{FieldCycles, tlv.TypeU64},
	},
	MsgArbRequest: {
		{FieldArbInterface, tlv.TypeString},
		{FieldArbOperation, tlv.TypeString},
	},
	MsgAbort: {},
	MsgCompletedUpTo: {
		{FieldSequence, tlv.TypeU64},
	},
	MsgFailure: {
		{FieldSequence, tlv.TypeU64},
		{FieldMessage, tlv.TypeString},
	},
	MsgMeasured: {
		{FieldSequence, tlv.TypeU64},
		{FieldQubit, tlv.TypeU64},
		{FieldValue, tlv.TypeBool},
	},
	MsgArbSuccess: {},
	MsgArbFailure: {
		{FieldMessage, tlv.TypeString},
	},
	MsgQuiesced: {
		{FieldReceived, tlv.TypeU64},
		{FieldDiscarded, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored so newer peers can add optional fields.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
