package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the part of debuglink.Dispatcher a transport drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, session debuglink.SessionID, raw debuglink.RawMessage) (protocol.Message, error)
	CloseSession(session debuglink.SessionID)
}

// Server accepts debug link connections. Every connection is one session:
// its frames are dispatched in arrival order and replies carry the request's
// message id.
type Server struct {
	cfg   Config
	codec protocol.Codec
	ids   *debuglink.SessionSource

	connsMu sync.Mutex
	conns   map[debuglink.SessionID]*linkConn

	active atomic.Int64
}

type linkConn struct {
	net.Conn
	session debuglink.SessionID
	connID  string
	peer    string
	stop    atomic.Bool
}

// NewServer builds a server. ids may be shared with other transports so
// session ids never collide; nil gets a private source.
func NewServer(cfg Config, codec protocol.Codec, ids *debuglink.SessionSource) *Server {
	if codec == nil {
		codec = protocol.ProtobufCodec{}
	}
	if ids == nil {
		ids = &debuglink.SessionSource{}
	}
	if cfg.Pipeline <= 0 {
		cfg.Pipeline = DefaultConfig().Pipeline
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{
		cfg:   cfg,
		codec: codec,
		ids:   ids,
		conns: make(map[debuglink.SessionID]*linkConn),
	}
}

// Listen opens a TCP or TLS listener according to the transport policy.
func (s *Server) Listen(addr string) (net.Listener, error) {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := s.cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, d Dispatcher) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("session.Server listening")
	return s.Serve(ctx, ln, d)
}

// Serve runs the accept loop until ctx ends or ln fails. On return every
// tracked connection has been closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener, d Dispatcher) error {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.closeAllConns()
			return err
		}
		c := &linkConn{
			Conn:    conn,
			session: s.ids.Next(),
			connID:  uuid.NewString(),
			peer:    conn.RemoteAddr().String(),
		}
		s.trackConn(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, c, d)
		}()
	}
}

// TerminateSession closes the connection owning session once the reply in
// progress has been written. Unknown sessions belong to another transport and
// are ignored.
func (s *Server) TerminateSession(session debuglink.SessionID) error {
	s.connsMu.Lock()
	c, ok := s.conns[session]
	s.connsMu.Unlock()
	if ok {
		c.stop.Store(true)
	}
	return nil
}

// ActiveSessions reports how many connections are open.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

func (s *Server) handleConn(ctx context.Context, c *linkConn, d Dispatcher) {
	defer c.Close()
	defer s.untrackConn(c)

	logger := log.With().
		Str("conn_id", c.connID).
		Uint64("session", uint64(c.session)).
		Str("remote", c.peer).
		Logger()
	active := s.active.Add(1)
	logger.Info().Int64("active_sessions", active).Msg("session.Server connected")
	defer func() {
		remaining := s.active.Add(-1)
		logger.Info().Int64("active_sessions", remaining).Msg("session.Server disconnected")
	}()

	identity, err := s.authenticateConn(c)
	if err != nil {
		logger.Warn().Err(err).Msg("session.Server transport auth")
		return
	}
	if identity != "" {
		logger = logger.With().Str("peer_identity", identity).Logger()
	}

	connCtx, cancel := context.WithCancel(ctx)
	// Teardown order: cancel in-flight work, then close the session.
	defer d.CloseSession(c.session)
	defer cancel()

	frames := make(chan frame.Frame, s.cfg.Pipeline)
	go s.readLoop(connCtx, cancel, c, frames)

	for {
		select {
		case <-connCtx.Done():
			return
		case req, ok := <-frames:
			if !ok {
				return
			}
			if err := s.serveFrame(connCtx, c, d, req); err != nil {
				logger.Warn().Err(err).Uint64("message_id", req.Header.MessageID).Msg("session.Server serve frame")
				return
			}
			if c.stop.Load() {
				logger.Info().Msg("session.Server stopped by peer request")
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, c *linkConn, frames chan<- frame.Frame) {
	defer close(frames)
	defer cancel()
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		f, err := frame.ReadFrame(c, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Debug().Err(err).Str("conn_id", c.connID).Msg("session.Server read frame")
			}
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// serveFrame answers one request frame. Only transport faults are returned;
// dispatch failures travel back to the peer as Failure replies.
func (s *Server) serveFrame(ctx context.Context, c *linkConn, d Dispatcher, req frame.Frame) error {
	if err := VerifyFrame(s.cfg.AuthKey, req); err != nil {
		return err
	}

	var reply protocol.Message
	if req.IsResponse() {
		reply = &protocol.Failure{
			Code:    protocol.FailureUnexpectedMessage,
			Message: "response frame sent to device",
		}
	} else {
		msg, err := d.Dispatch(ctx, c.session, debuglink.RawMessage{
			Type:    protocol.MessageType(req.Header.MessageType),
			Payload: req.Payload,
		})
		reply = debuglink.Reply(msg, err)
	}
	return s.writeReply(c, req.Header.MessageID, reply)
}

func (s *Server) writeReply(c *linkConn, messageID uint64, reply protocol.Message) error {
	out, err := EncodeReply(s.codec, s.cfg.AuthKey, messageID, reply)
	if err != nil {
		return err
	}
	if s.cfg.WriteTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return frame.WriteFrame(c, out, s.cfg.Limits)
}

// authenticateConn completes the TLS handshake and returns the verified peer
// identity, or "" for plain TCP and one-way TLS.
func (s *Server) authenticateConn(c *linkConn) (string, error) {
	if !s.cfg.TLS.Enabled {
		if NormalizeSecurityMode(s.cfg.SecurityMode) == SecurityModeProduction {
			return "", ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := c.Conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("session: expected tls connection")
	}
	if s.cfg.HandshakeTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if s.cfg.TLS.Mutual {
			return "", ErrMTLSRequired
		}
		return "", nil
	}
	id := PeerIdentity(state.PeerCertificates[0])
	if id == "" {
		return "", fmt.Errorf("session: empty peer identity from certificate")
	}
	return id, nil
}

func (s *Server) trackConn(c *linkConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.session] = c
}

func (s *Server) untrackConn(c *linkConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.session)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for id, c := range s.conns {
		_ = c.Close()
		delete(s.conns, id)
	}
}
