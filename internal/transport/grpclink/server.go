package grpclink

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/protocol/frame"
	"github.com/danmuck/debuglink/internal/transport/session"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SessionMetadataKey carries the session id on every Call.
const SessionMetadataKey = "debuglink-session"

// Server exposes the dispatcher over the Link service.
type Server struct {
	UnimplementedLinkServer

	cfg        session.Config
	codec      protocol.Codec
	ids        *debuglink.SessionSource
	dispatcher session.Dispatcher

	mu       sync.Mutex
	sessions map[debuglink.SessionID]*linkSession
}

type linkSession struct {
	stop atomic.Bool
}

// NewServer builds a bridge. Pass the TCP server's session source so ids
// stay unique across transports.
func NewServer(cfg session.Config, codec protocol.Codec, ids *debuglink.SessionSource) *Server {
	if codec == nil {
		codec = protocol.ProtobufCodec{}
	}
	if ids == nil {
		ids = &debuglink.SessionSource{}
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{
		cfg:      cfg,
		codec:    codec,
		ids:      ids,
		sessions: make(map[debuglink.SessionID]*linkSession),
	}
}

// Serve runs a gRPC server on ln until ctx ends. In-flight calls are
// cancelled and every open session is closed on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener, d session.Dispatcher) error {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	var opts []grpc.ServerOption
	if s.cfg.TLS.Enabled {
		tlsCfg, err := s.cfg.ServerTLSConfig()
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s.dispatcher = d
	gs := grpc.NewServer(opts...)
	RegisterLinkServer(gs, s)

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			gs.Stop()
		case <-stopped:
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("grpclink.Server listening")
	err := gs.Serve(ln)
	close(stopped)
	s.endAll()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) Open(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	id := s.ids.Next()
	s.mu.Lock()
	s.sessions[id] = &linkSession{}
	s.mu.Unlock()
	log.Info().Uint64("session", uint64(id)).Msg("grpclink.Server.Open")
	return wrapperspb.UInt64(uint64(id)), nil
}

func (s *Server) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	id, ls, err := s.sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	req, err := frame.ReadFrame(bytes.NewReader(in.GetValue()), s.cfg.Limits)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := session.VerifyFrame(s.cfg.AuthKey, req); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	var reply protocol.Message
	if req.IsResponse() {
		reply = &protocol.Failure{Code: protocol.FailureUnexpectedMessage, Message: "response frame sent to device"}
	} else {
		msg, err := s.dispatcher.Dispatch(ctx, id, debuglink.RawMessage{
			Type:    protocol.MessageType(req.Header.MessageType),
			Payload: req.Payload,
		})
		reply = debuglink.Reply(msg, err)
	}
	if ls.stop.Load() {
		s.end(id)
	}

	out, err := session.EncodeReply(s.codec, s.cfg.AuthKey, req.Header.MessageID, reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	b, err := frame.Marshal(out, s.cfg.Limits)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) End(_ context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.end(debuglink.SessionID(in.GetValue()))), nil
}

// TerminateSession ends session after the Call carrying the Stop returns.
// Sessions opened elsewhere are ignored.
func (s *Server) TerminateSession(id debuglink.SessionID) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		ls.stop.Store(true)
	}
	return nil
}

// ActiveSessions reports how many bridge sessions are open.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) sessionFrom(ctx context.Context) (debuglink.SessionID, *linkSession, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(SessionMetadataKey)
	if len(vals) == 0 {
		return 0, nil, status.Error(codes.InvalidArgument, "missing session metadata")
	}
	raw, err := strconv.ParseUint(vals[0], 10, 64)
	if err != nil {
		return 0, nil, status.Errorf(codes.InvalidArgument, "bad session id %q", vals[0])
	}
	id := debuglink.SessionID(raw)
	s.mu.Lock()
	ls, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return 0, nil, status.Errorf(codes.NotFound, "session %d not open", id)
	}
	return id, ls, nil
}

func (s *Server) end(id debuglink.SessionID) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if s.dispatcher != nil {
		s.dispatcher.CloseSession(id)
	}
	log.Info().Uint64("session", uint64(id)).Msg("grpclink.Server.End")
	return true
}

func (s *Server) endAll() {
	s.mu.Lock()
	ids := make([]debuglink.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.end(id)
	}
}
