package session

import (
	"fmt"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/protocol/frame"
)

// EncodeRequest frames req under message id and signs it with key.
func EncodeRequest(codec protocol.Codec, key []byte, id uint64, req protocol.Message) (frame.Frame, error) {
	payload, err := codec.Marshal(req)
	if err != nil {
		return frame.Frame{}, err
	}
	out := frame.New(id, uint32(req.MessageType()), 0, payload)
	if err := SignFrame(key, &out); err != nil {
		return frame.Frame{}, err
	}
	return out, nil
}

// EncodeReply frames a device reply to request id. A reply the codec cannot
// encode is replaced by a FirmwareError Failure.
func EncodeReply(codec protocol.Codec, key []byte, id uint64, reply protocol.Message) (frame.Frame, error) {
	payload, err := codec.Marshal(reply)
	if err != nil {
		reply = &protocol.Failure{Code: protocol.FailureFirmwareError, Message: err.Error()}
		if payload, err = codec.Marshal(reply); err != nil {
			return frame.Frame{}, fmt.Errorf("session: encode reply: %w", err)
		}
	}
	flags := frame.FlagIsResponse
	if reply.MessageType() == protocol.MessageFailure {
		flags |= frame.FlagIsError
	}
	out := frame.New(id, uint32(reply.MessageType()), flags, payload)
	if err := SignFrame(key, &out); err != nil {
		return frame.Frame{}, err
	}
	return out, nil
}

// DecodeReply checks that resp answers request id and decodes it. A Failure
// reply comes back as a *protocol.Failure error.
func DecodeReply(codec protocol.Codec, key []byte, id uint64, resp frame.Frame) (protocol.Message, error) {
	if err := VerifyFrame(key, resp); err != nil {
		return nil, err
	}
	if resp.Header.MessageID != id || !resp.IsResponse() {
		return nil, fmt.Errorf("%w: sent id %d got id %d", ErrResponseMismatch, id, resp.Header.MessageID)
	}
	msg, err := codec.Unmarshal(protocol.MessageType(resp.Header.MessageType), resp.Payload)
	if err != nil {
		return nil, err
	}
	if f, ok := msg.(*protocol.Failure); ok {
		return nil, f
	}
	return msg, nil
}
