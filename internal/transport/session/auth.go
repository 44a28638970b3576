package session

import (
	"crypto/subtle"
	"errors"

	"github.com/danmuck/debuglink/internal/protocol/frame"
	"golang.org/x/crypto/blake2b"
)

const (
	// MACSize is the length of the frame authenticator.
	MACSize       = blake2b.Size256
	maxAuthKeyLen = 64
)

var (
	ErrFrameUnauthenticated = errors.New("session: frame missing authenticator")
	ErrFrameAuthMismatch    = errors.New("session: frame authenticator mismatch")
)

// SignFrame sets f.Auth to a keyed blake2b-256 over the normalized header
// and payload. An empty key leaves the frame unauthenticated.
func SignFrame(key []byte, f *frame.Frame) error {
	if len(key) == 0 {
		f.Auth = nil
		return nil
	}
	mac, err := frameMAC(key, f.Header, f.Payload)
	if err != nil {
		return err
	}
	f.Auth = mac
	return nil
}

// VerifyFrame checks a frame produced by SignFrame with the same key.
func VerifyFrame(key []byte, f frame.Frame) error {
	if len(key) == 0 {
		return nil
	}
	if len(f.Auth) != MACSize {
		return ErrFrameUnauthenticated
	}
	want, err := frameMAC(key, f.Header, f.Payload)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, f.Auth) != 1 {
		return ErrFrameAuthMismatch
	}
	return nil
}

func frameMAC(key []byte, h frame.Header, payload []byte) ([]byte, error) {
	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h = frame.Normalize(h, MACSize, len(payload))
	mac.Write(frame.EncodeHeader(h))
	mac.Write(payload)
	return mac.Sum(nil), nil
}
