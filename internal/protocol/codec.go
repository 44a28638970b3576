package protocol

import (
	"fmt"
	"strings"
)

const (
	CodecProtobuf = "protobuf"
	CodecTLV      = "tlv"
)

// Codec converts typed messages to and from frame payload bytes.
type Codec interface {
	Name() string
	Marshal(msg Message) ([]byte, error)
	Unmarshal(t MessageType, payload []byte) (Message, error)
}

// CodecByName resolves a configured codec name. Empty selects protobuf.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecProtobuf:
		return ProtobufCodec{}, nil
	case CodecTLV:
		return TLVCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func unsupported(msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil", ErrUnsupportedMessage)
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
}
