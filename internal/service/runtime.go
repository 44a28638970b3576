package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/danmuck/debuglink/internal/auth"
	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/device"
	"github.com/danmuck/debuglink/internal/observability"
	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/danmuck/debuglink/internal/transport/grpclink"
	"github.com/danmuck/debuglink/internal/transport/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrNotListening = errors.New("service: Listen must run before Run")

// Runtime owns one simulated device and every surface that reaches it.
type Runtime struct {
	cfg Config

	Store      *storage.Store
	Memory     *device.Memory
	Prompt     *device.Prompt
	Registry   *debuglink.Registry
	Dispatcher *debuglink.Dispatcher

	tcp     *session.Server
	bridge  *grpclink.Server
	admin   http.Handler
	auditor *auditor

	tcpLn   net.Listener
	grpcLn  net.Listener
	adminLn net.Listener
}

// New opens storage, builds the device and boots the debug link. Nothing
// listens until Listen.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	codec, err := protocol.CodecByName(strings.TrimSpace(cfg.Codec))
	if err != nil {
		return nil, err
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	if cfg.Provision != nil {
		if err := store.Provision(ctx, *cfg.Provision); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	mem, err := device.NewMemory(cfg.Layout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		Store:  store,
		Memory: mem,
		Prompt: device.NewPrompt(),
	}

	ids := &debuglink.SessionSource{}
	r.tcp = session.NewServer(cfg.Session, codec, ids)
	terminators := debuglink.Terminators{r.tcp}
	if cfg.GRPCAddr != "" {
		r.bridge = grpclink.NewServer(cfg.Session, codec, ids)
		terminators = append(terminators, r.bridge)
	}

	r.Registry, err = debuglink.Boot(debuglink.BootOptions{
		Debug: cfg.Debug,
		Codec: codec,
		Handlers: debuglink.Handlers{
			Storage:  store,
			Memory:   mem,
			Writer:   mem,
			Flash:    mem,
			Confirm:  r.Prompt,
			Sessions: terminators,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	observers := []debuglink.Observer{observability.DispatchObserver()}
	if cfg.Audit {
		r.auditor = newAuditor(store)
		observers = append(observers, r.auditor.Observe)
	}
	r.Dispatcher = debuglink.NewDispatcher(r.Registry,
		debuglink.WithObserver(fanout(observers)),
		debuglink.WithQueueDepth(cfg.QueueDepth),
	)

	if cfg.AdminAddr != "" {
		deps := observability.AdminDeps{
			DeviceID: cfg.DeviceID,
			Registry: r.Registry,
			Ready:    store.Ping,
			Prompt:   r.Prompt,
			Sessions: r.ActiveSessions,
		}
		if cfg.Audit {
			deps.Events = store
		}
		if token := strings.TrimSpace(cfg.AdminToken); token != "" {
			deps.Auth = auth.StaticToken{Token: token}
		}
		r.admin = observability.NewAdminRouter(deps)
	}

	log.Info().
		Str("device_id", cfg.DeviceID).
		Bool("debug", cfg.Debug).
		Str("codec", codec.Name()).
		Msg("service.New")
	return r, nil
}

// Listen binds every configured address.
func (r *Runtime) Listen() error {
	var err error
	if r.tcpLn, err = r.tcp.Listen(r.cfg.ListenAddr); err != nil {
		return fmt.Errorf("service: listen %s: %w", r.cfg.ListenAddr, err)
	}
	if r.bridge != nil {
		if r.grpcLn, err = net.Listen("tcp", r.cfg.GRPCAddr); err != nil {
			r.closeListeners()
			return fmt.Errorf("service: listen grpc %s: %w", r.cfg.GRPCAddr, err)
		}
	}
	if r.admin != nil {
		if r.adminLn, err = net.Listen("tcp", r.cfg.AdminAddr); err != nil {
			r.closeListeners()
			return fmt.Errorf("service: listen admin %s: %w", r.cfg.AdminAddr, err)
		}
	}
	return nil
}

// Addr returns the bound debug link address.
func (r *Runtime) Addr() net.Addr {
	if r.tcpLn == nil {
		return nil
	}
	return r.tcpLn.Addr()
}

func (r *Runtime) GRPCAddr() net.Addr {
	if r.grpcLn == nil {
		return nil
	}
	return r.grpcLn.Addr()
}

func (r *Runtime) AdminAddr() net.Addr {
	if r.adminLn == nil {
		return nil
	}
	return r.adminLn.Addr()
}

// ActiveSessions counts open sessions across transports.
func (r *Runtime) ActiveSessions() int {
	n := r.tcp.ActiveSessions()
	if r.bridge != nil {
		n += r.bridge.ActiveSessions()
	}
	return n
}

// Run serves until ctx ends or a server fails, then closes every session and
// the store.
func (r *Runtime) Run(ctx context.Context) error {
	if r.tcpLn == nil {
		return ErrNotListening
	}
	defer r.Store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.tcp.Serve(gctx, r.tcpLn, r.Dispatcher)
	})
	if r.grpcLn != nil {
		g.Go(func() error {
			return r.bridge.Serve(gctx, r.grpcLn, r.Dispatcher)
		})
	}
	if r.adminLn != nil {
		g.Go(func() error {
			return observability.ServeAdmin(gctx, r.adminLn, r.admin)
		})
	}
	var auditDone chan error
	if r.auditor != nil {
		auditDone = make(chan error, 1)
		auditCtx, stopAudit := context.WithCancel(context.Background())
		go func() { auditDone <- r.auditor.run(auditCtx) }()
		defer func() {
			stopAudit()
			<-auditDone
		}()
	}

	log.Info().Stringer("addr", r.tcpLn.Addr()).Msg("service.Runtime.Run")
	err := g.Wait()
	r.Dispatcher.Close()
	log.Info().Err(err).Msg("service.Runtime stopped")
	return err
}

func (r *Runtime) closeListeners() {
	for _, ln := range []net.Listener{r.tcpLn, r.grpcLn, r.adminLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func fanout(observers []debuglink.Observer) debuglink.Observer {
	return func(ev debuglink.DispatchEvent) {
		for _, o := range observers {
			o(ev)
		}
	}
}
