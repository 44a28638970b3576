package grpclink

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/protocol/frame"
	"github.com/danmuck/debuglink/internal/transport/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is one bridge session. Calls are serialized like a TCP session.
type Client struct {
	cc      *grpc.ClientConn
	link    LinkClient
	cfg     session.Config
	codec   protocol.Codec
	session debuglink.SessionID

	mu     sync.Mutex
	nextID uint64
	closed bool
}

// Dial connects to target and opens a session.
func Dial(ctx context.Context, target string, cfg session.Config, codec protocol.Codec) (*Client, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	creds := insecure.NewCredentials()
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(target)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, cc, cfg, codec)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	c.cc = cc
	return c, nil
}

// NewClient opens a session over an existing connection. The caller keeps
// ownership of cc.
func NewClient(ctx context.Context, cc grpc.ClientConnInterface, cfg session.Config, codec protocol.Codec) (*Client, error) {
	if codec == nil {
		codec = protocol.ProtobufCodec{}
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	link := NewLinkClient(cc)
	id, err := link.Open(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return &Client{
		link:    link,
		cfg:     cfg,
		codec:   codec,
		session: debuglink.SessionID(id.GetValue()),
	}, nil
}

// Session is the device-side session id.
func (c *Client) Session() debuglink.SessionID {
	return c.session
}

// Call sends req and waits for the reply. A Failure reply is returned as a
// *protocol.Failure error; RPC faults come back as gRPC status errors.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, session.ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	out, err := session.EncodeRequest(c.codec, c.cfg.AuthKey, id, req)
	if err != nil {
		return nil, err
	}
	b, err := frame.Marshal(out, c.cfg.Limits)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, SessionMetadataKey, strconv.FormatUint(uint64(c.session), 10))
	reply, err := c.link.Call(ctx, wrapperspb.Bytes(b))
	if err != nil {
		return nil, err
	}
	resp, err := frame.ReadFrame(bytes.NewReader(reply.GetValue()), c.cfg.Limits)
	if err != nil {
		return nil, err
	}
	return session.DecodeReply(c.codec, c.cfg.AuthKey, id, resp)
}

// Close ends the session and, for dialed clients, the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, endErr := c.link.End(ctx, wrapperspb.UInt64(uint64(c.session)))
	if c.cc != nil {
		return errors.Join(endErr, c.cc.Close())
	}
	return endErr
}
