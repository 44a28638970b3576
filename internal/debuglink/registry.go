package debuglink

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SessionID scopes a request to one logical link. The dispatcher passes it
// through unchanged.
type SessionID uint64

// DecodeFunc turns a frame payload into the typed message a handler expects.
type DecodeFunc func(payload []byte) (protocol.Message, error)

// Handler serves one message type. A nil message with a nil error means the
// operation has no response payload.
type Handler func(ctx context.Context, msg protocol.Message, session SessionID) (protocol.Message, error)

// Entry binds a message type to its decode strategy and handler.
type Entry struct {
	Type    protocol.MessageType
	Decode  DecodeFunc
	Handler Handler
}

// Registry maps message types to entries. Registrations happen during boot;
// after Seal the map is read-only and lookups take no lock.
type Registry struct {
	mu      sync.Mutex
	sealed  atomic.Bool
	entries map[protocol.MessageType]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[protocol.MessageType]Entry)}
}

// Register binds t. A type already bound is rejected with
// ErrDuplicateRegistration and the first binding stays in place.
func (r *Registry) Register(t protocol.MessageType, decode DecodeFunc, handler Handler) error {
	if decode == nil || handler == nil {
		return fmt.Errorf("%w: %s needs decode and handler", ErrInvalidRegistration, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: register %s", ErrRegistrySealed, t)
	}
	if _, ok := r.entries[t]; ok {
		log.Warn().Stringer("type", t).Msg("debuglink.Registry.Register duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, t)
	}
	r.entries[t] = Entry{Type: t, Decode: decode, Handler: handler}
	log.Debug().Stringer("type", t).Msg("debuglink.Registry.Register")
	return nil
}

// Seal ends boot. It is safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

func (r *Registry) Lookup(t protocol.MessageType) (Entry, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	e, ok := r.entries[t]
	return e, ok
}

// Types returns the registered types in wire id order.
func (r *Registry) Types() []protocol.MessageType {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]protocol.MessageType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
