// Package coalesce debounces field edits: every keystroke is shown at once, but only
// the last value of a burst is committed.
package coalesce

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/agent"
	"studioSync/backend/internal/schedule"
)

const DefaultWindow = 500 * time.Millisecond

// Pending is an open optimistic edit; *agent.Tx implements it.
type Pending interface {
	Apply(value json.RawMessage) error
	Commit(ctx context.Context) error
	Rollback()
}

// BeginFunc opens an edit on one field.
type BeginFunc func(entityID, field string) Pending

func ForAgent(a *agent.Agent) BeginFunc {
	return func(entityID, field string) Pending { return a.Begin(entityID, field) }
}

type Options struct {
	Window        time.Duration
	CommitTimeout time.Duration
	Scheduler     schedule.Scheduler
	// OnError is called with every failed commit. The edit is already rolled back.
	OnError func(entityID, field string, err error)
}

type key struct {
	entityID string
	field    string
}

type pendingEdit struct {
	tx     Pending
	handle schedule.Handle
	seq    uint64
}

type Coalescer struct {
	begin BeginFunc
	sched schedule.Scheduler
	opt   Options

	mu      sync.Mutex
	seq     uint64
	pending map[key]*pendingEdit
}

func New(begin BeginFunc, opt Options) *Coalescer {
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	if opt.CommitTimeout <= 0 {
		opt.CommitTimeout = 10 * time.Second
	}
	if opt.Scheduler == nil {
		opt.Scheduler = schedule.Real()
	}
	return &Coalescer{begin: begin, sched: opt.Scheduler, opt: opt, pending: map[key]*pendingEdit{}}
}

// Edit shows value immediately and (re)starts the quiet window for its field.
func (c *Coalescer) Edit(entityID, field string, value json.RawMessage) error {
	k := key{entityID: entityID, field: field}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[k]
	if !ok {
		p = &pendingEdit{tx: c.begin(entityID, field)}
	}
	if err := p.tx.Apply(value); err != nil {
		if !ok {
			p.tx.Rollback()
		}
		return err
	}
	c.pending[k] = p

	if p.handle != nil {
		p.handle.Cancel()
	}
	c.seq++
	seq := c.seq
	p.seq = seq
	p.handle = c.sched.Schedule(c.opt.Window, func() { c.fire(k, seq) })
	return nil
}

func (c *Coalescer) fire(k key, seq uint64) {
	c.mu.Lock()
	p, ok := c.pending[k]
	if !ok || p.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	p.handle = nil
	c.mu.Unlock()

	c.commit(k, p.tx)
}

func (c *Coalescer) commit(k key, tx Pending) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.CommitTimeout)
	defer cancel()
	err := tx.Commit(ctx)
	if err != nil {
		if c.opt.OnError != nil {
			c.opt.OnError(k.entityID, k.field, err)
		} else {
			log.Printf("coalesce: commit %s.%s failed: %v", k.entityID, k.field, err)
		}
	}
	return err
}

// Flush commits every pending edit now, without waiting for its window.
func (c *Coalescer) Flush() error {
	c.mu.Lock()
	edits := c.pending
	c.pending = map[key]*pendingEdit{}
	for _, p := range edits {
		if p.handle != nil {
			p.handle.Cancel()
			p.handle = nil
		}
	}
	c.mu.Unlock()

	var errs []error
	for k, p := range edits {
		if err := c.commit(k, p.tx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops the pending edit of one field without committing it.
func (c *Coalescer) Discard(entityID, field string) bool {
	k := key{entityID: entityID, field: field}
	c.mu.Lock()
	p, ok := c.pending[k]
	if ok {
		delete(c.pending, k)
		if p.handle != nil {
			p.handle.Cancel()
		}
	}
	c.mu.Unlock()
	if ok {
		p.tx.Rollback()
	}
	return ok
}

// Pending returns how many fields are waiting for their window to close.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
