package debuglink

import "context"

// StorageProvider exposes the device secrets GetState reports.
type StorageProvider interface {
	GetPIN(ctx context.Context) (pin string, ok bool, err error)
	GetMnemonic(ctx context.Context) (mnemonic string, ok bool, err error)
	IsProtectedByPassphrase(ctx context.Context) (bool, error)
}

// MemoryAccessor reads exactly length bytes at address or fails when the range
// is not accessible.
type MemoryAccessor interface {
	ReadMemory(ctx context.Context, address, length uint32) ([]byte, error)
}

// MemoryWriter stores data at address. A write is applied whole or not at all.
type MemoryWriter interface {
	WriteMemory(ctx context.Context, address uint32, data []byte, flash bool) error
}

// FlashEraser erases one flash sector and nothing else.
type FlashEraser interface {
	EraseSector(ctx context.Context, sector uint32) error
}

// ConfirmationResolver answers the outstanding user prompt. It reports false
// when no prompt was pending.
type ConfirmationResolver interface {
	Resolve(yes bool) bool
}

// SessionTerminator ends the session that carried a Stop request once its
// reply has gone out.
type SessionTerminator interface {
	TerminateSession(session SessionID) error
}
