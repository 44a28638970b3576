package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf field numbers of the DebugLink messages.
const (
	pbDecisionYesNo protowire.Number = 1

	pbStatePIN                  protowire.Number = 2
	pbStateMnemonic             protowire.Number = 4
	pbStatePassphraseProtection protowire.Number = 6

	pbMemoryReadAddress protowire.Number = 1
	pbMemoryReadLength  protowire.Number = 2

	pbMemoryData protowire.Number = 1

	pbMemoryWriteAddress protowire.Number = 1
	pbMemoryWriteData    protowire.Number = 2
	pbMemoryWriteFlash   protowire.Number = 3

	pbFlashEraseSector protowire.Number = 1

	pbSuccessMessage protowire.Number = 1

	pbFailureCode    protowire.Number = 1
	pbFailureMessage protowire.Number = 2
)

// ProtobufCodec speaks the protobuf wire format of the DebugLink messages
// without generated types. Unknown fields are skipped.
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string { return CodecProtobuf }

func (ProtobufCodec) Marshal(msg Message) ([]byte, error) {
	var b []byte
	switch m := msg.(type) {
	case *Decision:
		b = appendBool(b, pbDecisionYesNo, m.YesNo)
	case *GetState, *Stop:
	case *State:
		if m.HasPIN {
			b = appendString(b, pbStatePIN, m.PIN)
		}
		if m.HasMnemonic {
			b = appendString(b, pbStateMnemonic, m.Mnemonic)
		}
		b = appendBool(b, pbStatePassphraseProtection, m.PassphraseProtection)
	case *MemoryRead:
		b = appendVarint(b, pbMemoryReadAddress, uint64(m.Address))
		b = appendVarint(b, pbMemoryReadLength, uint64(m.Length))
	case *Memory:
		b = appendBytes(b, pbMemoryData, m.Data)
	case *MemoryWrite:
		b = appendVarint(b, pbMemoryWriteAddress, uint64(m.Address))
		b = appendBytes(b, pbMemoryWriteData, m.Data)
		b = appendBool(b, pbMemoryWriteFlash, m.Flash)
	case *FlashErase:
		b = appendVarint(b, pbFlashEraseSector, uint64(m.Sector))
	case *Success:
		if m.Message != "" {
			b = appendString(b, pbSuccessMessage, m.Message)
		}
	case *Failure:
		b = appendVarint(b, pbFailureCode, uint64(m.Code))
		b = appendString(b, pbFailureMessage, m.Message)
	default:
		return nil, unsupported(msg)
	}
	return b, nil
}

func (ProtobufCodec) Unmarshal(t MessageType, payload []byte) (Message, error) {
	msg, err := New(t)
	if err != nil {
		return nil, err
	}
	fields, err := consumeProto(payload)
	if err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case *Decision:
		if m.YesNo, err = fields.requiredBool(pbDecisionYesNo); err != nil {
			return nil, err
		}
	case *GetState, *Stop:
	case *State:
		if m.PIN, m.HasPIN, err = fields.optString(pbStatePIN); err != nil {
			return nil, err
		}
		if m.Mnemonic, m.HasMnemonic, err = fields.optString(pbStateMnemonic); err != nil {
			return nil, err
		}
		if m.PassphraseProtection, err = fields.requiredBool(pbStatePassphraseProtection); err != nil {
			return nil, err
		}
	case *MemoryRead:
		if m.Address, err = fields.requiredUint32(pbMemoryReadAddress); err != nil {
			return nil, err
		}
		if m.Length, err = fields.requiredUint32(pbMemoryReadLength); err != nil {
			return nil, err
		}
	case *Memory:
		if m.Data, err = fields.requiredBytes(pbMemoryData); err != nil {
			return nil, err
		}
	case *MemoryWrite:
		if m.Address, err = fields.requiredUint32(pbMemoryWriteAddress); err != nil {
			return nil, err
		}
		if m.Data, err = fields.requiredBytes(pbMemoryWriteData); err != nil {
			return nil, err
		}
		if m.Flash, _, err = fields.optBool(pbMemoryWriteFlash); err != nil {
			return nil, err
		}
	case *FlashErase:
		if m.Sector, err = fields.requiredUint32(pbFlashEraseSector); err != nil {
			return nil, err
		}
	case *Success:
		if m.Message, _, err = fields.optString(pbSuccessMessage); err != nil {
			return nil, err
		}
	case *Failure:
		code, err := fields.requiredUint32(pbFailureCode)
		if err != nil {
			return nil, err
		}
		m.Code = FailureCode(code)
		if m.Message, _, err = fields.optString(pbFailureMessage); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

type protoValue struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// protoFields keeps the last occurrence of each field, matching protobuf
// merge semantics for scalars.
type protoFields map[protowire.Number]protoValue

func consumeProto(b []byte) (protoFields, error) {
	out := make(protoFields)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, num, protowire.ParseError(n))
			}
			out[num] = protoValue{typ: typ, varint: v}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, num, protowire.ParseError(n))
			}
			out[num] = protoValue{typ: typ, bytes: append([]byte{}, v...)}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return out, nil
}

func (f protoFields) get(num protowire.Number, want protowire.Type) (protoValue, bool, error) {
	v, ok := f[num]
	if !ok {
		return protoValue{}, false, nil
	}
	if v.typ != want {
		return protoValue{}, false, fmt.Errorf("%w: field %d", ErrFieldTypeMismatch, num)
	}
	return v, true, nil
}

func (f protoFields) optUint32(num protowire.Number) (uint32, bool, error) {
	v, ok, err := f.get(num, protowire.VarintType)
	if err != nil || !ok {
		return 0, ok, err
	}
	if v.varint > math.MaxUint32 {
		return 0, false, fmt.Errorf("%w: field %d", ErrFieldValueOverflow, num)
	}
	return uint32(v.varint), true, nil
}

func (f protoFields) optBool(num protowire.Number) (bool, bool, error) {
	v, ok, err := f.get(num, protowire.VarintType)
	if err != nil || !ok {
		return false, ok, err
	}
	return protowire.DecodeBool(v.varint), true, nil
}

func (f protoFields) optString(num protowire.Number) (string, bool, error) {
	v, ok, err := f.get(num, protowire.BytesType)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v.bytes), true, nil
}

func (f protoFields) requiredUint32(num protowire.Number) (uint32, error) {
	v, ok, err := f.optUint32(num)
	if err == nil && !ok {
		err = fmt.Errorf("%w: field %d", ErrMissingField, num)
	}
	return v, err
}

func (f protoFields) requiredBool(num protowire.Number) (bool, error) {
	v, ok, err := f.optBool(num)
	if err == nil && !ok {
		err = fmt.Errorf("%w: field %d", ErrMissingField, num)
	}
	return v, err
}

func (f protoFields) requiredBytes(num protowire.Number) ([]byte, error) {
	v, ok, err := f.get(num, protowire.BytesType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: field %d", ErrMissingField, num)
	}
	return v.bytes, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
