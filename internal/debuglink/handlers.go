package debuglink

import (
	"context"
	"fmt"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// MaxMemoryRead caps the bytes one MemoryRead may return.
const MaxMemoryRead = 1024

// Handlers carries the collaborators behind the six DebugLink operations. A
// nil collaborator makes its operation fail with ErrNotImplemented.
type Handlers struct {
	Storage  StorageProvider
	Memory   MemoryAccessor
	Writer   MemoryWriter
	Flash    FlashEraser
	Confirm  ConfirmationResolver
	Sessions SessionTerminator
}

// EffectiveReadLength clamps a requested MemoryRead length.
func EffectiveReadLength(requested uint32) uint32 {
	return min(requested, MaxMemoryRead)
}

func (h Handlers) Decision(_ context.Context, msg protocol.Message, session SessionID) (protocol.Message, error) {
	req, err := expect[*protocol.Decision](msg)
	if err != nil {
		return nil, err
	}
	if h.Confirm == nil {
		return nil, fmt.Errorf("%w: decision", ErrNotImplemented)
	}
	resolved := h.Confirm.Resolve(req.YesNo)
	log.Debug().
		Uint64("session", uint64(session)).
		Bool("yes_no", req.YesNo).
		Bool("resolved", resolved).
		Msg("debuglink.Handlers.Decision")
	return nil, nil
}

// GetState reads storage on every call; nothing is cached between requests.
func (h Handlers) GetState(ctx context.Context, msg protocol.Message, _ SessionID) (protocol.Message, error) {
	if _, err := expect[*protocol.GetState](msg); err != nil {
		return nil, err
	}
	if h.Storage == nil {
		return nil, fmt.Errorf("%w: get state", ErrNotImplemented)
	}

	state := &protocol.State{}
	var err error
	if state.PIN, state.HasPIN, err = h.Storage.GetPIN(ctx); err != nil {
		return nil, fmt.Errorf("debuglink: read pin: %w", err)
	}
	if state.Mnemonic, state.HasMnemonic, err = h.Storage.GetMnemonic(ctx); err != nil {
		return nil, fmt.Errorf("debuglink: read mnemonic: %w", err)
	}
	if state.PassphraseProtection, err = h.Storage.IsProtectedByPassphrase(ctx); err != nil {
		return nil, fmt.Errorf("debuglink: read passphrase protection: %w", err)
	}
	return state, nil
}

func (h Handlers) Stop(_ context.Context, msg protocol.Message, session SessionID) (protocol.Message, error) {
	if _, err := expect[*protocol.Stop](msg); err != nil {
		return nil, err
	}
	if h.Sessions == nil {
		return nil, fmt.Errorf("%w: stop", ErrNotImplemented)
	}
	if err := h.Sessions.TerminateSession(session); err != nil {
		return nil, fmt.Errorf("debuglink: stop session %d: %w", session, err)
	}
	return nil, nil
}

// MemoryRead clamps silently to MaxMemoryRead before touching memory. Address
// checks belong to the accessor.
func (h Handlers) MemoryRead(ctx context.Context, msg protocol.Message, _ SessionID) (protocol.Message, error) {
	req, err := expect[*protocol.MemoryRead](msg)
	if err != nil {
		return nil, err
	}
	if h.Memory == nil {
		return nil, fmt.Errorf("%w: memory read", ErrNotImplemented)
	}
	length := EffectiveReadLength(req.Length)
	data, err := h.Memory.ReadMemory(ctx, req.Address, length)
	if err != nil {
		return nil, fmt.Errorf("debuglink: read memory 0x%08x+%d: %w", req.Address, length, err)
	}
	return &protocol.Memory{Data: data}, nil
}

func (h Handlers) MemoryWrite(ctx context.Context, msg protocol.Message, _ SessionID) (protocol.Message, error) {
	req, err := expect[*protocol.MemoryWrite](msg)
	if err != nil {
		return nil, err
	}
	if h.Writer == nil {
		return nil, fmt.Errorf("%w: memory write", ErrNotImplemented)
	}
	if err := h.Writer.WriteMemory(ctx, req.Address, req.Data, req.Flash); err != nil {
		return nil, fmt.Errorf("debuglink: write memory 0x%08x+%d: %w", req.Address, len(req.Data), err)
	}
	return nil, nil
}

func (h Handlers) FlashErase(ctx context.Context, msg protocol.Message, _ SessionID) (protocol.Message, error) {
	req, err := expect[*protocol.FlashErase](msg)
	if err != nil {
		return nil, err
	}
	if h.Flash == nil {
		return nil, fmt.Errorf("%w: flash erase", ErrNotImplemented)
	}
	if err := h.Flash.EraseSector(ctx, req.Sector); err != nil {
		return nil, fmt.Errorf("debuglink: erase sector %d: %w", req.Sector, err)
	}
	return nil, nil
}

func expect[T protocol.Message](msg protocol.Message) (T, error) {
	v, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T want %T", ErrMalformedMessage, msg, zero)
	}
	return v, nil
}
