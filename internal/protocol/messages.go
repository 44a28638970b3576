package protocol

import "fmt"

// Message is any typed DebugLink payload.
type Message interface {
	MessageType() MessageType
}

// Decision answers the pending confirmation prompt.
type Decision struct {
	YesNo bool
}

// GetState requests a DeviceState snapshot.
type GetState struct{}

// State is the DeviceState snapshot returned for GetState. PIN and mnemonic
// are optional; Has* reports presence.
type State struct {
	PIN                  string
	HasPIN               bool
	Mnemonic             string
	HasMnemonic          bool
	PassphraseProtection bool
}

// Stop ends the debug session.
type Stop struct{}

type MemoryRead struct {
	Address uint32
	Length  uint32
}

type Memory struct {
	Data []byte
}

// MemoryWrite copies Data to Address. Flash selects programming of an erased
// flash range instead of a RAM store.
type MemoryWrite struct {
	Address uint32
	Data    []byte
	Flash   bool
}

type FlashErase struct {
	Sector uint32
}

type Success struct {
	Message string
}

type Failure struct {
	Code    FailureCode
	Message string
}

func (*Decision) MessageType() MessageType    { return MessageDecision }
func (*GetState) MessageType() MessageType    { return MessageGetState }
func (*State) MessageType() MessageType       { return MessageState }
func (*Stop) MessageType() MessageType        { return MessageStop }
func (*MemoryRead) MessageType() MessageType  { return MessageMemoryRead }
func (*Memory) MessageType() MessageType      { return MessageMemory }
func (*MemoryWrite) MessageType() MessageType { return MessageMemoryWrite }
func (*FlashErase) MessageType() MessageType  { return MessageFlashErase }
func (*Success) MessageType() MessageType     { return MessageSuccess }
func (*Failure) MessageType() MessageType     { return MessageFailure }

func (f *Failure) Error() string {
	return fmt.Sprintf("failure %s: %s", f.Code, f.Message)
}

// New returns an empty message for t.
func New(t MessageType) (Message, error) {
	switch t {
	case MessageDecision:
		return &Decision{}, nil
	case MessageGetState:
		return &GetState{}, nil
	case MessageState:
		return &State{}, nil
	case MessageStop:
		return &Stop{}, nil
	case MessageMemoryRead:
		return &MemoryRead{}, nil
	case MessageMemory:
		return &Memory{}, nil
	case MessageMemoryWrite:
		return &MemoryWrite{}, nil
	case MessageFlashErase:
		return &FlashErase{}, nil
	case MessageSuccess:
		return &Success{}, nil
	case MessageFailure:
		return &Failure{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint32(t))
	}
}
