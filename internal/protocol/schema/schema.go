package schema

import (
	"fmt"

	"github.com/danmuck/debuglink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Values follow the DebugLink wire numbering.
const (
	MsgSuccess     uint32 = 2
	MsgFailure     uint32 = 3
	MsgDecision    uint32 = 100
	MsgGetState    uint32 = 101
	MsgState       uint32 = 102
	MsgStop        uint32 = 103
	MsgMemoryRead  uint32 = 110
	MsgMemory      uint32 = 111
	MsgMemoryWrite uint32 = 112
	MsgFlashErase  uint32 = 113
)

// Field IDs from tlv contract.
const (
	FieldYesNo uint16 = 1

	FieldPIN                  uint16 = 100
	FieldMnemonic             uint16 = 101
	FieldPassphraseProtection uint16 = 102

	FieldAddress uint16 = 200
	FieldLength  uint16 = 201
	FieldMemory  uint16 = 202
	FieldFlash   uint16 = 203

	FieldSector uint16 = 300

	FieldFailureCode    uint16 = 400
	FieldFailureMessage uint16 = 401
	FieldSuccessMessage uint16 = 402
)

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
	MsgSuccess:  {},
	MsgFailure:  {{FieldFailureCode, tlv.TypeU32}, {FieldFailureMessage, tlv.TypeString}},
	MsgDecision: {{FieldYesNo, tlv.TypeBool}},
	MsgGetState: {},
	MsgState:    {{FieldPassphraseProtection, tlv.TypeBool}},
	MsgStop:     {},
	MsgMemoryRead: {
		{FieldAddress, tlv.TypeU32},
		{FieldLength, tlv.TypeU32},
	},
	MsgMemory: {{FieldMemory, tlv.TypeBytes}},
	MsgMemoryWrite: {
		{FieldAddress, tlv.TypeU32},
		{FieldMemory, tlv.TypeBytes},
	},
	MsgFlashErase: {{FieldSector, tlv.TypeU32}},
}

// optional lists fields that may be absent but must carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgState: {
		{FieldPIN, tlv.TypeString},
		{FieldMnemonic, tlv.TypeString},
	},
	MsgMemoryWrite: {{FieldFlash, tlv.TypeBool}},
	MsgSuccess:     {{FieldSuccessMessage, tlv.TypeString}},
}

// Known reports whether messageType has a schema entry.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
