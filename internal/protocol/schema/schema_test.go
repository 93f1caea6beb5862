package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/gatestream/internal/protocol/tlv"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
)

func gateFields() []tlv.Field {
	return []tlv.Field{
		tlv.StringField(FieldGateName, "x"),
		tlv.U64ListField(FieldTargets, []uint64{1}),
		tlv.U64ListField(FieldControls, nil),
		tlv.U64ListField(FieldMeasures, nil),
	}
}

func TestValidateGateRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgGate, gateFields()); err != nil {
		t.Fatalf("validate gate: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(gateFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgGate, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgFailure, []tlv.Field{tlv.U64Field(FieldSequence, 4)})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMessage || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgAdvance, []tlv.Field{tlv.StringField(FieldCycles, "10")})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
}

func TestMessageClassification(t *testing.T) {
	testlog.Start(t)
	if !IsPipelined(MsgGate) || IsPipelined(MsgAbort) || IsPipelined(MsgArbRequest) {
		t.Fatalf("pipelined classification wrong")
	}
	if !IsDown(MsgAbort) || IsDown(MsgMeasured) {
		t.Fatalf("direction classification wrong")
	}
	if Name(MsgQuiesced) != "quiesced" || Name(999) != "unknown_999" {
		t.Fatalf("unexpected names")
	}
}
