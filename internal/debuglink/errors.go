package debuglink

import "errors"

var (
	ErrUnknownMessageType    = errors.New("debuglink: unknown message type")
	ErrMalformedMessage      = errors.New("debuglink: malformed message")
	ErrDuplicateRegistration = errors.New("debuglink: duplicate registration")
	ErrInvalidRegistration   = errors.New("debuglink: invalid registration")
	ErrRegistrySealed        = errors.New("debuglink: registry sealed")
	ErrNotImplemented        = errors.New("debuglink: not implemented")
	ErrSessionClosed         = errors.New("debuglink: session closed")
)
