package debuglink

import (
	"context"
	"errors"

	"github.com/danmuck/debuglink/internal/protocol"
)

// FailureCode classifies a dispatch error for the wire.
func FailureCode(err error) protocol.FailureCode {
	switch {
	case errors.Is(err, ErrUnknownMessageType):
		return protocol.FailureUnexpectedMessage
	case errors.Is(err, ErrMalformedMessage):
		return protocol.FailureDataError
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.FailureActionCancelled
	case errors.Is(err, ErrNotImplemented):
		return protocol.FailureNotImplemented
	default:
		return protocol.FailureProcessError
	}
}

// FailureFor turns a dispatch error into the Failure reply a transport sends.
func FailureFor(err error) *protocol.Failure {
	if err == nil {
		return nil
	}
	var f *protocol.Failure
	if errors.As(err, &f) {
		return f
	}
	return &protocol.Failure{Code: FailureCode(err), Message: err.Error()}
}

// Reply is the message a transport sends back for a dispatch result: the
// handler's message, an empty Success when there is none, or a Failure.
func Reply(msg protocol.Message, err error) protocol.Message {
	if err != nil {
		return FailureFor(err)
	}
	if msg == nil {
		return &protocol.Success{}
	}
	return msg
}
