package device

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Prompt models the device's single on-screen confirmation. At most one
// question is outstanding; Resolve answers it.
type Prompt struct {
	mu      sync.Mutex
	pending chan bool
	label   string
}

func NewPrompt() *Prompt {
	return &Prompt{}
}

// Ask opens a prompt and blocks until it is resolved or ctx ends.
func (p *Prompt) Ask(ctx context.Context, label string) (bool, error) {
	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return false, ErrPromptBusy
	}
	answer := make(chan bool, 1)
	p.pending = answer
	p.label = label
	p.mu.Unlock()
	log.Debug().Str("label", label).Msg("device.Prompt.Ask")

	select {
	case yes := <-answer:
		return yes, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.pending == answer {
			p.pending = nil
			p.label = ""
		}
		p.mu.Unlock()
		// A Resolve may have landed between ctx ending and the lock.
		select {
		case yes := <-answer:
			return yes, nil
		default:
			return false, ctx.Err()
		}
	}
}

// Resolve answers the outstanding prompt. It reports false and does nothing
// when no prompt is pending.
func (p *Prompt) Resolve(yes bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return false
	}
	p.pending <- yes
	log.Debug().Str("label", p.label).Bool("yes", yes).Msg("device.Prompt.Resolve")
	p.pending = nil
	p.label = ""
	return true
}

// Pending returns the label of the open prompt, if any.
func (p *Prompt) Pending() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label, p.pending != nil
}
