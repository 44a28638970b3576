package protocol

import (
	"fmt"
	"slices"

	"github.com/danmuck/debuglink/internal/protocol/schema"
)

// MessageType identifies one request or response shape on the wire.
type MessageType uint32

const (
	MessageSuccess     = MessageType(schema.MsgSuccess)
	MessageFailure     = MessageType(schema.MsgFailure)
	MessageDecision    = MessageType(schema.MsgDecision)
	MessageGetState    = MessageType(schema.MsgGetState)
	MessageState       = MessageType(schema.MsgState)
	MessageStop        = MessageType(schema.MsgStop)
	MessageMemoryRead  = MessageType(schema.MsgMemoryRead)
	MessageMemory      = MessageType(schema.MsgMemory)
	MessageMemoryWrite = MessageType(schema.MsgMemoryWrite)
	MessageFlashErase  = MessageType(schema.MsgFlashErase)
)

var messageNames = map[MessageType]string{
	MessageSuccess:     "Success",
	MessageFailure:     "Failure",
	MessageDecision:    "DebugLinkDecision",
	MessageGetState:    "DebugLinkGetState",
	MessageState:       "DebugLinkState",
	MessageStop:        "DebugLinkStop",
	MessageMemoryRead:  "DebugLinkMemoryRead",
	MessageMemory:      "DebugLinkMemory",
	MessageMemoryWrite: "DebugLinkMemoryWrite",
	MessageFlashErase:  "DebugLinkFlashErase",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// Known reports whether t has a message definition.
func (t MessageType) Known() bool {
	_, ok := messageNames[t]
	return ok
}

// RequestTypes lists the types a debug link accepts, in wire id order.
func RequestTypes() []MessageType {
	return []MessageType{
		MessageDecision,
		MessageGetState,
		MessageStop,
		MessageMemoryRead,
		MessageMemoryWrite,
		MessageFlashErase,
	}
}

// IsRequest reports whether t is one of RequestTypes.
func IsRequest(t MessageType) bool {
	return slices.Contains(RequestTypes(), t)
}

// ParseMessageType accepts a wire name ("DebugLinkGetState") or the short
// name without the DebugLink prefix ("GetState").
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageNames {
		if n == name || n == "DebugLink"+name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
}

// FailureCode classifies a Failure response.
type FailureCode uint32

const (
	FailureUnexpectedMessage FailureCode = 1
	FailureDataError         FailureCode = 3
	FailureActionCancelled   FailureCode = 4
	FailureProcessError      FailureCode = 9
	FailureNotImplemented    FailureCode = 98
	FailureFirmwareError     FailureCode = 99
)

var failureNames = map[FailureCode]string{
	FailureUnexpectedMessage: "UnexpectedMessage",
	FailureDataError:         "DataError",
	FailureActionCancelled:   "ActionCancelled",
	FailureProcessError:      "ProcessError",
	FailureNotImplemented:    "NotImplemented",
	FailureFirmwareError:     "FirmwareError",
}

func (c FailureCode) String() string {
	if name, ok := failureNames[c]; ok {
		return name
	}
	return fmt.Sprintf("FailureCode(%d)", uint32(c))
}
