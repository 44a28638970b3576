package service

import (
	"context"
	"time"

	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/rs/zerolog/log"
)

const auditBuffer = 256

// auditor moves dispatch events off the session workers and into storage.
// When the buffer is full events are dropped rather than stalling a session.
type auditor struct {
	store  *storage.Store
	events chan debuglink.DispatchEvent
}

func newAuditor(store *storage.Store) *auditor {
	return &auditor{store: store, events: make(chan debuglink.DispatchEvent, auditBuffer)}
}

func (a *auditor) Observe(ev debuglink.DispatchEvent) {
	select {
	case a.events <- ev:
	default:
		log.Warn().Uint64("session", uint64(ev.Session)).Stringer("type", ev.Type).Msg("service.auditor dropped event")
	}
}

// run writes events until ctx ends, then flushes what is already queued.
func (a *auditor) run(ctx context.Context) error {
	for {
		select {
		case ev := <-a.events:
			a.write(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-a.events:
					a.write(flushCtx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (a *auditor) write(ctx context.Context, ev debuglink.DispatchEvent) {
	rec := storage.Event{
		SessionID:   uint64(ev.Session),
		MessageType: uint32(ev.Type),
		Outcome:     storage.OutcomeOK,
		Elapsed:     ev.Elapsed,
	}
	if ev.Err != nil {
		rec.Outcome = storage.OutcomeError
		rec.Error = ev.Err.Error()
	}
	if err := a.store.RecordEvent(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("service.auditor record")
	}
}
