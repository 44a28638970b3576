package debuglink

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu          sync.Mutex
	pin         string
	hasPIN      bool
	mnemonic    string
	hasMnemonic bool
	passphrase  bool
	reads       int
}

func (s *fakeStorage) GetPIN(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.pin, s.hasPIN, nil
}

func (s *fakeStorage) GetMnemonic(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mnemonic, s.hasMnemonic, nil
}

func (s *fakeStorage) IsProtectedByPassphrase(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passphrase, nil
}

func (s *fakeStorage) setPassphrase(v bool) {
	s.mu.Lock()
	s.passphrase = v
	s.mu.Unlock()
}

type readCall struct {
	address uint32
	length  uint32
}

type recordingMemory struct {
	mu    sync.Mutex
	calls []readCall
	err   error
}

func (m *recordingMemory) ReadMemory(_ context.Context, address, length uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, readCall{address, length})
	if m.err != nil {
		return nil, m.err
	}
	return bytes.Repeat([]byte{0xA5}, int(length)), nil
}

func (m *recordingMemory) lastCall() readCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type fakeResolver struct {
	pending bool
	answer  *bool
}

func (r *fakeResolver) Resolve(yes bool) bool {
	if !r.pending {
		return false
	}
	r.pending = false
	r.answer = &yes
	return true
}

type fakeTerminator struct {
	mu       sync.Mutex
	sessions []SessionID
}

func (f *fakeTerminator) TerminateSession(session SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func bootDispatcher(t *testing.T, h Handlers) *Dispatcher {
	t.Helper()
	reg, err := Boot(BootOptions{Debug: true, Codec: protocol.ProtobufCodec{}, Handlers: h})
	require.NoError(t, err)
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)
	return d
}

func rawOf(t *testing.T, msg protocol.Message) RawMessage {
	t.Helper()
	b, err := protocol.ProtobufCodec{}.Marshal(msg)
	require.NoError(t, err)
	return RawMessage{Type: msg.MessageType(), Payload: b}
}

func TestMemoryReadEffectiveLengthIsClamped(t *testing.T) {
	testlog.Start(t)
	mem := &recordingMemory{}
	d := bootDispatcher(t, Handlers{Memory: mem})

	for _, requested := range []uint32{0, 1, 512, 1023, 1024, 1025, 2048, math.MaxUint32} {
		out, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.MemoryRead{Address: 0x2000, Length: requested}))
		require.NoError(t, err)
		want := min(requested, uint32(MaxMemoryRead))
		require.Equal(t, readCall{0x2000, want}, mem.lastCall())
		require.Len(t, out.(*protocol.Memory).Data, int(want))
	}
}

func TestMemoryReadScenarioClampsBeforeAccess(t *testing.T) {
	testlog.Start(t)
	mem := &recordingMemory{}
	d := bootDispatcher(t, Handlers{Memory: mem})

	_, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.MemoryRead{Address: 0x1000, Length: 2048}))
	require.NoError(t, err)
	require.Equal(t, []readCall{{0x1000, 1024}}, mem.calls)
}

func TestMemoryReadAccessorErrorPropagates(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("bus fault")
	d := bootDispatcher(t, Handlers{Memory: &recordingMemory{err: boom}})

	_, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.MemoryRead{Address: 0xFFFF_FFF0, Length: 64}))
	require.ErrorIs(t, err, boom)
}

func TestDispatchUnknownTypeInvokesNoHandler(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(protocol.MessageGetState, DecodeWith(protocol.ProtobufCodec{}, protocol.MessageGetState),
		func(context.Context, protocol.Message, SessionID) (protocol.Message, error) {
			calls.Add(1)
			return &protocol.State{}, nil
		}))
	reg.Seal()
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)

	for _, mt := range []protocol.MessageType{7, protocol.MessageState, protocol.MessageStop} {
		_, err := d.Dispatch(context.Background(), 1, RawMessage{Type: mt})
		require.ErrorIs(t, err, ErrUnknownMessageType)
	}
	require.Zero(t, calls.Load())

	// The session survives a failed lookup.
	_, err := d.Dispatch(context.Background(), 1, RawMessage{Type: protocol.MessageGetState})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestDispatchMalformedPayload(t *testing.T) {
	testlog.Start(t)
	mem := &recordingMemory{}
	d := bootDispatcher(t, Handlers{Memory: mem})

	_, err := d.Dispatch(context.Background(), 1, RawMessage{Type: protocol.MessageMemoryRead, Payload: []byte{0x08}})
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = d.Dispatch(context.Background(), 1, RawMessage{Type: protocol.MessageMemoryRead, Payload: nil})
	require.ErrorIs(t, err, ErrMalformedMessage)
	require.ErrorIs(t, err, protocol.ErrMissingField)
	require.Empty(t, mem.calls)

	_, err = d.Dispatch(context.Background(), 1, rawOf(t, &protocol.MemoryRead{Address: 0, Length: 4}))
	require.NoError(t, err)
}

func TestGetStateScenario(t *testing.T) {
	testlog.Start(t)
	const mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	store := &fakeStorage{pin: "1234", hasPIN: true, mnemonic: mnemonic, hasMnemonic: true, passphrase: true}
	d := bootDispatcher(t, Handlers{Storage: store})

	out, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.GetState{}))
	require.NoError(t, err)
	require.Equal(t, &protocol.State{
		PIN:                  "1234",
		HasPIN:               true,
		Mnemonic:             mnemonic,
		HasMnemonic:          true,
		PassphraseProtection: true,
	}, out)
}

func TestGetStateIsNotCached(t *testing.T) {
	testlog.Start(t)
	store := &fakeStorage{}
	d := bootDispatcher(t, Handlers{Storage: store})

	first, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.GetState{}))
	require.NoError(t, err)
	require.False(t, first.(*protocol.State).PassphraseProtection)
	require.False(t, first.(*protocol.State).HasPIN)

	store.setPassphrase(true)
	second, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.GetState{}))
	require.NoError(t, err)
	require.True(t, second.(*protocol.State).PassphraseProtection)
	require.Equal(t, 2, store.reads)
}

func TestRegisterRejectsDuplicateForEveryRequestType(t *testing.T) {
	testlog.Start(t)
	marker := func(tag string) Handler {
		return func(context.Context, protocol.Message, SessionID) (protocol.Message, error) {
			return &protocol.Success{Message: tag}, nil
		}
	}
	decodeAny := func(t protocol.MessageType) DecodeFunc {
		return func([]byte) (protocol.Message, error) { return protocol.New(t) }
	}

	reg := NewRegistry()
	for _, mt := range protocol.RequestTypes() {
		require.NoError(t, reg.Register(mt, decodeAny(mt), marker("first")))
		err := reg.Register(mt, decodeAny(mt), marker("second"))
		require.ErrorIs(t, err, ErrDuplicateRegistration, "type %s", mt)
	}
	reg.Seal()
	require.Equal(t, protocol.RequestTypes(), reg.Types())

	d := NewDispatcher(reg)
	t.Cleanup(d.Close)
	for _, mt := range protocol.RequestTypes() {
		out, err := d.Dispatch(context.Background(), 1, RawMessage{Type: mt})
		require.NoError(t, err)
		require.Equal(t, "first", out.(*protocol.Success).Message, "type %s", mt)
	}
}

func TestRegistryRejectsAfterSealAndNilParts(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	decode := DecodeWith(protocol.ProtobufCodec{}, protocol.MessageStop)
	require.ErrorIs(t, reg.Register(protocol.MessageStop, nil, Handlers{}.Stop), ErrInvalidRegistration)
	require.ErrorIs(t, reg.Register(protocol.MessageStop, decode, nil), ErrInvalidRegistration)

	reg.Seal()
	require.True(t, reg.Sealed())
	require.ErrorIs(t, reg.Register(protocol.MessageStop, decode, Handlers{}.Stop), ErrRegistrySealed)
	_, ok := reg.Lookup(protocol.MessageStop)
	require.False(t, ok)
}

func TestBootWithoutDebugRegistersNothing(t *testing.T) {
	testlog.Start(t)
	reg, err := Boot(BootOptions{Debug: false, Handlers: Handlers{Storage: &fakeStorage{pin: "1234", hasPIN: true}}})
	require.NoError(t, err)
	require.True(t, reg.Sealed())
	require.Empty(t, reg.Types())

	d := NewDispatcher(reg)
	t.Cleanup(d.Close)
	_, err = d.Dispatch(context.Background(), 1, rawOf(t, &protocol.GetState{}))
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestBootRegistersAllRequestTypes(t *testing.T) {
	testlog.Start(t)
	reg, err := Boot(BootOptions{Debug: true})
	require.NoError(t, err)
	require.Equal(t, protocol.RequestTypes(), reg.Types())
}

func TestUnwiredHandlersSurfaceNotImplemented(t *testing.T) {
	testlog.Start(t)
	d := bootDispatcher(t, Handlers{})

	for _, msg := range []protocol.Message{
		&protocol.Decision{YesNo: true},
		&protocol.MemoryWrite{Address: 0x2000_0000, Data: []byte{1}},
		&protocol.FlashErase{Sector: 4},
		&protocol.Stop{},
	} {
		out, err := d.Dispatch(context.Background(), 1, rawOf(t, msg))
		require.ErrorIs(t, err, ErrNotImplemented, "type %s", msg.MessageType())
		require.Nil(t, out)
	}
}

func TestDecisionResolvesPendingPrompt(t *testing.T) {
	testlog.Start(t)
	resolver := &fakeResolver{pending: true}
	d := bootDispatcher(t, Handlers{Confirm: resolver})

	out, err := d.Dispatch(context.Background(), 1, rawOf(t, &protocol.Decision{YesNo: false}))
	require.NoError(t, err)
	require.Nil(t, out)
	require.NotNil(t, resolver.answer)
	require.False(t, *resolver.answer)

	// Nothing pending: still a successful no-op.
	_, err = d.Dispatch(context.Background(), 1, rawOf(t, &protocol.Decision{YesNo: true}))
	require.NoError(t, err)
	require.False(t, *resolver.answer)
}

func TestStopSignalsTerminator(t *testing.T) {
	testlog.Start(t)
	term := &fakeTerminator{}
	d := bootDispatcher(t, Handlers{Sessions: term})

	_, err := d.Dispatch(context.Background(), 42, rawOf(t, &protocol.Stop{}))
	require.NoError(t, err)
	require.Equal(t, []SessionID{42}, term.sessions)
}

func TestDispatchSequentialPerSessionIndependentAcross(t *testing.T) {
	testlog.Start(t)
	var inFlight, maxInFlight atomic.Int32
	gate := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register(protocol.MessageStop, DecodeWith(protocol.ProtobufCodec{}, protocol.MessageStop),
		func(ctx context.Context, _ protocol.Message, session SessionID) (protocol.Message, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			if session == 1 {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, nil
		}))
	reg.Seal()
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := d.Dispatch(context.Background(), 1, RawMessage{Type: protocol.MessageStop})
			errs <- err
		}()
	}

	// Session 2 completes while session 1 is held at the gate.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Dispatch(ctx, 2, RawMessage{Type: protocol.MessageStop})
	require.NoError(t, err)

	close(gate)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	require.LessOrEqual(t, maxInFlight.Load(), int32(2))
	require.Equal(t, 2, d.ActiveSessions())
}

func TestDispatchRepliesInRequestOrder(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var seen []uint32
	reg := NewRegistry()
	require.NoError(t, reg.Register(protocol.MessageFlashErase, DecodeWith(protocol.ProtobufCodec{}, protocol.MessageFlashErase),
		func(_ context.Context, msg protocol.Message, _ SessionID) (protocol.Message, error) {
			mu.Lock()
			seen = append(seen, msg.(*protocol.FlashErase).Sector)
			mu.Unlock()
			return nil, nil
		}))
	reg.Seal()
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)

	for sector := uint32(0); sector < 8; sector++ {
		_, err := d.Dispatch(context.Background(), 9, rawOf(t, &protocol.FlashErase{Sector: sector}))
		require.NoError(t, err)
	}
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, seen)
}

func TestCloseSessionCancelsInFlightAndQueued(t *testing.T) {
	testlog.Start(t)
	started := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Register(protocol.MessageStop, DecodeWith(protocol.ProtobufCodec{}, protocol.MessageStop),
		func(ctx context.Context, _ protocol.Message, _ SessionID) (protocol.Message, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	reg.Seal()
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)

	first := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), 5, RawMessage{Type: protocol.MessageStop})
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), 5, RawMessage{Type: protocol.MessageStop})
		second <- err
	}()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		w, ok := d.sessions[5]
		return ok && len(w.queue) == 1
	}, 2*time.Second, 5*time.Millisecond)

	d.CloseSession(5)
	err := <-first
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, <-second, ErrSessionClosed)
	require.Zero(t, d.ActiveSessions())
}

func TestCallerCancellationLeavesSessionUsable(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(protocol.MessageStop, DecodeWith(protocol.ProtobufCodec{}, protocol.MessageStop),
		func(ctx context.Context, _ protocol.Message, _ SessionID) (protocol.Message, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		}))
	reg.Seal()
	d := NewDispatcher(reg)
	t.Cleanup(d.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, 3, RawMessage{Type: protocol.MessageStop})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = d.Dispatch(context.Background(), 3, RawMessage{Type: protocol.MessageStop})
	require.NoError(t, err)
}

func TestDispatchAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	reg, err := Boot(BootOptions{Debug: true})
	require.NoError(t, err)
	d := NewDispatcher(reg)
	d.Close()
	_, err = d.Dispatch(context.Background(), 1, RawMessage{Type: protocol.MessageStop})
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestObserverSeesEveryDispatch(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var got []error
	reg, err := Boot(BootOptions{Debug: true})
	require.NoError(t, err)
	d := NewDispatcher(reg, WithObserver(func(ev DispatchEvent) {
		mu.Lock()
		got = append(got, ev.Err)
		mu.Unlock()
	}))
	t.Cleanup(d.Close)

	_, _ = d.Dispatch(context.Background(), 1, RawMessage{Type: 7})
	_, _ = d.Dispatch(context.Background(), 1, rawOf(t, &protocol.FlashErase{Sector: 1}))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.ErrorIs(t, got[0], ErrUnknownMessageType)
	require.ErrorIs(t, got[1], ErrNotImplemented)
}

func TestSessionSourceAndTerminators(t *testing.T) {
	testlog.Start(t)
	var src SessionSource
	require.Equal(t, SessionID(1), src.Next())
	require.Equal(t, SessionID(2), src.Next())

	a, b := &fakeTerminator{}, &fakeTerminator{}
	require.NoError(t, Terminators{a, b}.TerminateSession(7))
	require.Equal(t, []SessionID{7}, a.sessions)
	require.Equal(t, []SessionID{7}, b.sessions)
}

func TestReplyMapsErrorsToFailureCodes(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want protocol.FailureCode
	}{
		{ErrUnknownMessageType, protocol.FailureUnexpectedMessage},
		{ErrMalformedMessage, protocol.FailureDataError},
		{ErrSessionClosed, protocol.FailureActionCancelled},
		{context.DeadlineExceeded, protocol.FailureActionCancelled},
		{ErrNotImplemented, protocol.FailureNotImplemented},
		{errors.New("bus fault"), protocol.FailureProcessError},
	}
	for _, tc := range cases {
		reply := Reply(nil, tc.err)
		failure, ok := reply.(*protocol.Failure)
		require.True(t, ok)
		require.Equal(t, tc.want, failure.Code, "err %v", tc.err)
		require.Equal(t, tc.err.Error(), failure.Message)
	}
	require.Equal(t, &protocol.Success{}, Reply(nil, nil))
	state := &protocol.State{}
	require.Same(t, state, Reply(state, nil))
}
