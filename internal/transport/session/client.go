package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientClosed     = errors.New("session: client closed")
	ErrResponseMismatch = errors.New("session: response does not match request")
)

// Client is one debug link session seen from the host side. Calls are
// serialized; each waits for its reply before the next is written.
type Client struct {
	cfg   Config
	codec protocol.Codec
	addr  string

	mu     sync.Mutex
	conn   net.Conn
	nextID uint64
	broken error
}

// Dial connects to addr, retrying the connect with backoff up to
// cfg.ConnectAttempts (zero or less retries until ctx ends).
func Dial(ctx context.Context, addr string, cfg Config, codec protocol.Codec) (*Client, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if codec == nil {
		codec = protocol.ProtobufCodec{}
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, addr, cfg)
		if err == nil {
			return &Client{cfg: cfg, codec: codec, addr: addr, conn: conn}, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("session.Dial")
		if cfg.ConnectAttempts > 0 && attempt >= cfg.ConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dialOnce(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hctx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Call sends req and waits for the device reply. A Failure reply is returned
// as a *protocol.Failure error. Requests are never retried: if ctx ends
// mid-call the connection is dropped, which also cancels the device side.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	c.nextID++
	id := c.nextID
	out, err := EncodeRequest(c.codec, c.cfg.AuthKey, id, req)
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := c.roundTrip(out)
	if err != nil {
		c.fail(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	msg, err := DecodeReply(c.codec, c.cfg.AuthKey, id, resp)
	if err != nil {
		var failure *protocol.Failure
		if !errors.As(err, &failure) {
			c.fail(err)
		}
		return nil, err
	}
	return msg, nil
}

func (c *Client) roundTrip(out frame.Frame) (frame.Frame, error) {
	if err := frame.WriteFrame(c.conn, out, c.cfg.Limits); err != nil {
		return frame.Frame{}, err
	}
	return frame.ReadFrame(c.conn, c.cfg.Limits)
}

// fail poisons the client; the stream position is unknown after a fault.
func (c *Client) fail(err error) {
	c.broken = fmt.Errorf("%w: %w", ErrClientClosed, err)
	_ = c.conn.Close()
}

// Addr is the device address the client dialed.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = ErrClientClosed
	return c.conn.Close()
}
