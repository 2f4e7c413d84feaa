package session

import (
	"context"
	"sync/atomic"
)

// Attempt scopes one connect cycle. Every async step receives the attempt it
// was started for and checks Wanted when it resumes; a step whose attempt was
// abandoned releases whatever it produced instead of handing it back.
type Attempt struct {
	ID     uint64
	ctx    context.Context
	cancel context.CancelFunc
	wanted atomic.Bool
}

func newAttempt(parent context.Context, id uint64) *Attempt {
	ctx, cancel := context.WithCancel(parent)
	a := &Attempt{ID: id, ctx: ctx, cancel: cancel}
	a.wanted.Store(true)
	return a
}

// Context is cancelled when the attempt is abandoned.
func (a *Attempt) Context() context.Context { return a.ctx }

func (a *Attempt) Wanted() bool { return a != nil && a.wanted.Load() }

// Abandon is idempotent.
func (a *Attempt) Abandon() {
	if a == nil {
		return
	}
	a.wanted.Store(false)
	a.cancel()
}
