package device

import "errors"

var (
	ErrOutOfRange    = errors.New("device: address range not accessible")
	ErrInvalidSector = errors.New("device: invalid flash sector")
	ErrNotErased     = errors.New("device: flash target not erased")
	ErrFlashReadOnly = errors.New("device: flash requires programming mode")
	ErrNotFlash      = errors.New("device: programming target outside flash")
	ErrPromptBusy    = errors.New("device: confirmation already pending")
	ErrInvalidLayout = errors.New("device: invalid memory layout")
)
