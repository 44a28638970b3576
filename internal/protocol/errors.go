package protocol

import "errors"

var (
	ErrUnknownCodec        = errors.New("protocol: unknown codec")
	ErrUnknownMessageType  = errors.New("protocol: unknown message type")
	ErrUnsupportedMessage  = errors.New("protocol: unsupported message value")
	ErrMalformedPayload    = errors.New("protocol: malformed payload")
	ErrMissingField        = errors.New("protocol: missing required field")
	ErrFieldTypeMismatch   = errors.New("protocol: field type mismatch")
	ErrFieldValueOverflow  = errors.New("protocol: field value overflow")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
)
