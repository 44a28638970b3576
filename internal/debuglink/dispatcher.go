package debuglink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/rs/zerolog/log"
)

const defaultQueueDepth = 16

// RawMessage is a request as the transport hands it over: the type id from the
// frame header and the undecoded payload.
type RawMessage struct {
	Type    protocol.MessageType
	Payload []byte
}

// DispatchEvent describes one finished dispatch.
type DispatchEvent struct {
	Session SessionID
	Type    protocol.MessageType
	Elapsed time.Duration
	Err     error
}

// Observer is told about every finished dispatch. It runs on the session
// worker before the reply is released.
type Observer func(DispatchEvent)

type DispatcherOption func(*Dispatcher)

// WithObserver installs a dispatch observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// WithQueueDepth bounds how many requests one session may have waiting.
func WithQueueDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueDepth = n
		}
	}
}

// Dispatcher runs requests through the registry. Each session gets one worker
// goroutine, so a session sees at most one handler in flight and replies in
// request order. Sessions are independent of each other.
type Dispatcher struct {
	registry   *Registry
	observer   Observer
	queueDepth int

	mu       sync.Mutex
	closed   bool
	sessions map[SessionID]*sessionWorker
}

type sessionWorker struct {
	id     SessionID
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *call
	done   chan struct{}
}

type call struct {
	ctx    context.Context
	raw    RawMessage
	result chan callResult
}

type callResult struct {
	msg protocol.Message
	err error
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		queueDepth: defaultQueueDepth,
		sessions:   make(map[SessionID]*sessionWorker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs raw on session and waits for the handler result. Lookup and
// decode failures end only this request.
func (d *Dispatcher) Dispatch(ctx context.Context, session SessionID, raw RawMessage) (protocol.Message, error) {
	w, err := d.worker(session)
	if err != nil {
		return nil, err
	}

	c := &call{ctx: ctx, raw: raw, result: make(chan callResult, 1)}
	select {
	case w.queue <- c:
	case <-w.done:
		return nil, fmt.Errorf("%w: session %d", ErrSessionClosed, session)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-c.result:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		select {
		case res := <-c.result:
			return res.msg, res.err
		default:
			return nil, fmt.Errorf("%w: session %d", ErrSessionClosed, session)
		}
	}
}

// CloseSession cancels any in-flight handler for session, fails its queued
// requests with ErrSessionClosed and waits for the worker to exit. It must not
// be called from inside a handler.
func (d *Dispatcher) CloseSession(session SessionID) {
	d.mu.Lock()
	w, ok := d.sessions[session]
	delete(d.sessions, session)
	d.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	log.Debug().Uint64("session", uint64(session)).Msg("debuglink.Dispatcher.CloseSession")
}

// Close tears down every session. Later dispatches fail with ErrSessionClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	workers := make([]*sessionWorker, 0, len(d.sessions))
	for id, w := range d.sessions {
		workers = append(workers, w)
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}

// ActiveSessions reports how many sessions currently hold a worker.
func (d *Dispatcher) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) worker(session SessionID) (*sessionWorker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: dispatcher closed", ErrSessionClosed)
	}
	if w, ok := d.sessions[session]; ok {
		return w, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &sessionWorker{
		id:     session,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *call, d.queueDepth),
		done:   make(chan struct{}),
	}
	d.sessions[session] = w
	go d.run(w)
	return w, nil
}

func (d *Dispatcher) run(w *sessionWorker) {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			d.drain(w)
			return
		case c := <-w.queue:
			if w.ctx.Err() != nil {
				c.result <- callResult{err: fmt.Errorf("%w: session %d", ErrSessionClosed, w.id)}
				d.drain(w)
				return
			}
			if err := c.ctx.Err(); err != nil {
				c.result <- callResult{err: err}
				continue
			}
			c.result <- d.execute(w, c)
		}
	}
}

func (d *Dispatcher) drain(w *sessionWorker) {
	for {
		select {
		case c := <-w.queue:
			c.result <- callResult{err: fmt.Errorf("%w: session %d", ErrSessionClosed, w.id)}
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(w *sessionWorker, c *call) callResult {
	start := time.Now()
	msg, err := d.invoke(w, c)
	elapsed := time.Since(start)

	ev := log.Debug()
	if err != nil {
		ev = log.Info().Err(err)
	}
	ev.Uint64("session", uint64(w.id)).
		Stringer("type", c.raw.Type).
		Dur("elapsed", elapsed).
		Msg("debuglink.Dispatcher.execute")
	if d.observer != nil {
		d.observer(DispatchEvent{Session: w.id, Type: c.raw.Type, Elapsed: elapsed, Err: err})
	}
	return callResult{msg: msg, err: err}
}

func (d *Dispatcher) invoke(w *sessionWorker, c *call) (protocol.Message, error) {
	entry, ok := d.registry.Lookup(c.raw.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, c.raw.Type)
	}
	msg, err := entry.Decode(c.raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedMessage, c.raw.Type, err)
	}

	// The handler stops on session teardown or when the caller gives up.
	hctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	out, err := entry.Handler(hctx, msg, w.id)
	if err != nil && errors.Is(err, context.Canceled) {
		if w.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: session %d: %w", ErrSessionClosed, w.id, err)
		}
		if cerr := c.ctx.Err(); cerr != nil {
			return nil, cerr
		}
	}
	return out, err
}
