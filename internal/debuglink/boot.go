package debuglink

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// BootOptions decides what the debug link exposes. Debug gates the whole
// surface: without it nothing is registered and GetState's secrets stay
// unreachable.
type BootOptions struct {
	Debug    bool
	Codec    protocol.Codec
	Handlers Handlers
}

// Boot builds and seals the registry for the six DebugLink requests.
func Boot(opts BootOptions) (*Registry, error) {
	reg := NewRegistry()
	if !opts.Debug {
		reg.Seal()
		log.Info().Msg("debuglink.Boot debug disabled; no handlers registered")
		return reg, nil
	}

	codec := opts.Codec
	if codec == nil {
		codec = protocol.ProtobufCodec{}
	}
	h := opts.Handlers
	bindings := []struct {
		t       protocol.MessageType
		handler Handler
	}{
		{protocol.MessageDecision, h.Decision},
		{protocol.MessageGetState, h.GetState},
		{protocol.MessageStop, h.Stop},
		{protocol.MessageMemoryRead, h.MemoryRead},
		{protocol.MessageMemoryWrite, h.MemoryWrite},
		{protocol.MessageFlashErase, h.FlashErase},
	}
	for _, b := range bindings {
		if err := reg.Register(b.t, DecodeWith(codec, b.t), b.handler); err != nil {
			return nil, fmt.Errorf("debuglink: boot: %w", err)
		}
	}
	reg.Seal()
	log.Info().
		Str("codec", codec.Name()).
		Int("handlers", len(bindings)).
		Msg("debuglink.Boot")
	return reg, nil
}

// DecodeWith adapts a codec into the decode strategy for t.
func DecodeWith(codec protocol.Codec, t protocol.MessageType) DecodeFunc {
	return func(payload []byte) (protocol.Message, error) {
		msg, err := codec.Unmarshal(t, payload)
		if err != nil {
			return nil, err
		}
		if msg.MessageType() != t {
			return nil, fmt.Errorf("%w: decoded %s for %s", protocol.ErrMessageTypeMismatch, msg.MessageType(), t)
		}
		return msg, nil
	}
}

// SessionSource hands out session ids unique across every transport sharing it.
type SessionSource struct {
	next atomic.Uint64
}

func (s *SessionSource) Next() SessionID {
	return SessionID(s.next.Add(1))
}

// Terminators fans a Stop out to every transport. Each transport ignores
// sessions it does not own.
type Terminators []SessionTerminator

func (ts Terminators) TerminateSession(session SessionID) error {
	for _, t := range ts {
		if err := t.TerminateSession(session); err != nil {
			return err
		}
	}
	return nil
}
