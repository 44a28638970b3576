package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/debuglink/internal/protocol/tlv"
	"github.com/danmuck/debuglink/internal/testutil/testlog"
)

func TestValidateMemoryReadRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U32(FieldAddress, 0x1000), tlv.U32(FieldLength, 2048)}
	if err := Validate(MsgMemoryRead, fields); err != nil {
		t.Fatalf("validate memory read: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bool(FieldYesNo, true),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgDecision, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateEmptyMessages(t *testing.T) {
	testlog.Start(t)
	for _, mt := range []uint32{MsgGetState, MsgStop, MsgSuccess} {
		if err := Validate(mt, nil); err != nil {
			t.Fatalf("validate message_type=%d: %v", mt, err)
		}
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U32(FieldAddress, 0x1000)}
	err := Validate(MsgMemoryRead, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldLength || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldSector, "3")}
	err := Validate(MsgFlashErase, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldSector || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalFieldTypeChecked(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bool(FieldPassphraseProtection, false),
		tlv.U32(FieldPIN, 1234),
	}
	err := Validate(MsgState, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldPIN {
		t.Fatalf("expected pin type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if Known(7) {
		t.Fatalf("message type 7 should not be known")
	}
	err := Validate(7, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}
