package protocol

import (
	"fmt"

	"github.com/danmuck/debuglink/internal/protocol/schema"
	"github.com/danmuck/debuglink/internal/protocol/tlv"
)

// TLVCodec carries messages as tlv fields validated by the schema package.
type TLVCodec struct{}

func (TLVCodec) Name() string { return CodecTLV }

func (TLVCodec) Marshal(msg Message) ([]byte, error) {
	fields, err := tlvFields(msg)
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

func tlvFields(msg Message) ([]tlv.Field, error) {
	switch m := msg.(type) {
	case *Decision:
		return []tlv.Field{tlv.Bool(schema.FieldYesNo, m.YesNo)}, nil
	case *GetState, *Stop:
		return nil, nil
	case *State:
		fields := make([]tlv.Field, 0, 3)
		if m.HasPIN {
			fields = append(fields, tlv.String(schema.FieldPIN, m.PIN))
		}
		if m.HasMnemonic {
			fields = append(fields, tlv.String(schema.FieldMnemonic, m.Mnemonic))
		}
		return append(fields, tlv.Bool(schema.FieldPassphraseProtection, m.PassphraseProtection)), nil
	case *MemoryRead:
		return []tlv.Field{
			tlv.U32(schema.FieldAddress, m.Address),
			tlv.U32(schema.FieldLength, m.Length),
		}, nil
	case *Memory:
		return []tlv.Field{tlv.Bytes(schema.FieldMemory, m.Data)}, nil
	case *MemoryWrite:
		return []tlv.Field{
			tlv.U32(schema.FieldAddress, m.Address),
			tlv.Bytes(schema.FieldMemory, m.Data),
			tlv.Bool(schema.FieldFlash, m.Flash),
		}, nil
	case *FlashErase:
		return []tlv.Field{tlv.U32(schema.FieldSector, m.Sector)}, nil
	case *Success:
		if m.Message == "" {
			return nil, nil
		}
		return []tlv.Field{tlv.String(schema.FieldSuccessMessage, m.Message)}, nil
	case *Failure:
		return []tlv.Field{
			tlv.U32(schema.FieldFailureCode, uint32(m.Code)),
			tlv.String(schema.FieldFailureMessage, m.Message),
		}, nil
	default:
		return nil, unsupported(msg)
	}
}

func (TLVCodec) Unmarshal(t MessageType, payload []byte) (Message, error) {
	msg, err := New(t)
	if err != nil {
		return nil, err
	}
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if err := schema.Validate(uint32(t), fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	// schema.Validate has checked presence and types, so accessor errors here
	// only come from bad value encodings.
	r := tlvReader{fields: fields}
	switch m := msg.(type) {
	case *Decision:
		m.YesNo = r.bool(schema.FieldYesNo)
	case *GetState, *Stop:
	case *Success:
		m.Message, _ = r.optString(schema.FieldSuccessMessage)
	case *State:
		m.PIN, m.HasPIN = r.optString(schema.FieldPIN)
		m.Mnemonic, m.HasMnemonic = r.optString(schema.FieldMnemonic)
		m.PassphraseProtection = r.bool(schema.FieldPassphraseProtection)
	case *MemoryRead:
		m.Address = r.u32(schema.FieldAddress)
		m.Length = r.u32(schema.FieldLength)
	case *Memory:
		m.Data = r.bytes(schema.FieldMemory)
	case *MemoryWrite:
		m.Address = r.u32(schema.FieldAddress)
		m.Data = r.bytes(schema.FieldMemory)
		if _, ok := tlv.GetField(fields, schema.FieldFlash); ok {
			m.Flash = r.bool(schema.FieldFlash)
		}
	case *FlashErase:
		m.Sector = r.u32(schema.FieldSector)
	case *Failure:
		m.Code = FailureCode(r.u32(schema.FieldFailureCode))
		m.Message, _ = r.optString(schema.FieldFailureMessage)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, r.err)
	}
	return msg, nil
}

// tlvReader keeps the first accessor error so extraction reads straight through.
type tlvReader struct {
	fields []tlv.Field
	err    error
}

func (r *tlvReader) field(id uint16) (tlv.Field, bool) {
	return tlv.GetField(r.fields, id)
}

func (r *tlvReader) keep(id uint16, err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("field %d: %w", id, err)
	}
}

func (r *tlvReader) u32(id uint16) uint32 {
	f, _ := r.field(id)
	v, err := f.AsU32()
	r.keep(id, err)
	return v
}

func (r *tlvReader) bool(id uint16) bool {
	f, _ := r.field(id)
	v, err := f.AsBool()
	r.keep(id, err)
	return v
}

func (r *tlvReader) bytes(id uint16) []byte {
	f, _ := r.field(id)
	v, err := f.AsBytes()
	r.keep(id, err)
	return v
}

func (r *tlvReader) optString(id uint16) (string, bool) {
	f, ok := r.field(id)
	if !ok {
		return "", false
	}
	v, err := f.AsString()
	r.keep(id, err)
	return v, true
}
