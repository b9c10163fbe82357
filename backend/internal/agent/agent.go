// Package agent is the client side of the sync protocol: it keeps one websocket
// subscription to the selected record day, holds the optimistic cache of its seat
// assignments and rolls failed edits back.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/protocol"
	"studioSync/backend/internal/schedule"

	"github.com/google/uuid"
)

// State of the connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const DefaultReconnectDelay = 3 * time.Second

type Options struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Scheduler      schedule.Scheduler
}

type Agent struct {
	id     string
	dialer Dialer
	store  Collaborator
	sched  schedule.Scheduler
	opt    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	topic string
	// gen changes on every topic selection; work started under an older gen is stale.
	gen       uint64
	state     State
	transport Transport
	reconnect schedule.Handle

	cache    collection
	overlays map[fieldKey]*overlay

	fetchSeq    uint64
	fetchCancel context.CancelFunc
	// remote values applied while a fetch is in flight; the fetch result may predate them
	seen map[fieldKey]json.RawMessage

	changes chan struct{}
}

func New(dialer Dialer, store Collaborator, opt Options) *Agent {
	if opt.ReconnectDelay <= 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = 10 * time.Second
	}
	if opt.Scheduler == nil {
		opt.Scheduler = schedule.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		id:       uuid.NewString(),
		dialer:   dialer,
		store:    store,
		sched:    opt.Scheduler,
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
		cache:    collection{},
		overlays: map[fieldKey]*overlay{},
		seen:     map[fieldKey]json.RawMessage{},
		changes:  make(chan struct{}, 1),
	}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Topic() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topic
}

// Changes signals after the cache changed. Signals coalesce; read the cache to see
// what changed.
func (a *Agent) Changes() <-chan struct{} { return a.changes }

func (a *Agent) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// SelectTopic switches to another record day, or to none with "". The old transport,
// any pending reconnect and any in-flight fetch are torn down and the cache is dropped.
func (a *Agent) SelectTopic(topic string) {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.topic = topic
	old := a.transport
	a.transport = nil
	if a.reconnect != nil {
		a.reconnect.Cancel()
		a.reconnect = nil
	}
	a.cancelFetchLocked()
	a.cache = collection{}
	a.overlays = map[fieldKey]*overlay{}
	clear(a.seen)
	if topic == "" {
		a.state = Disconnected
	} else {
		a.state = Connecting
	}
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	a.notify()
	if topic != "" {
		go a.connect(gen)
	}
}

// Close deselects the topic and stops all background work.
func (a *Agent) Close() {
	a.SelectTopic("")
	a.cancel()
}

func (a *Agent) connect(gen uint64) {
	dialCtx, cancel := context.WithTimeout(a.ctx, a.opt.DialTimeout)
	t, err := a.dialer.Dial(dialCtx)
	cancel()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		log.Printf("agent %s: connect to %s failed: %v", a.id, a.topic, err)
		a.state = Disconnected
		a.scheduleReconnectLocked(gen)
		a.mu.Unlock()
		return
	}
	a.transport = t
	topic := a.topic
	a.mu.Unlock()

	go a.readLoop(gen, t)

	sendCtx, cancel := context.WithTimeout(a.ctx, a.opt.DialTimeout)
	err = t.Send(sendCtx, protocol.Subscribe(topic))
	cancel()
	if err != nil {
		log.Printf("agent %s: subscribe %s failed: %v", a.id, topic, err)
		// the read loop sees the close and schedules the reconnect
		_ = t.Close()
		return
	}

	a.mu.Lock()
	if gen == a.gen && a.transport == t {
		a.state = Connected
		// events may have been missed while disconnected
		a.refetchLocked()
	}
	a.mu.Unlock()
	a.notify()
}

func (a *Agent) readLoop(gen uint64, t Transport) {
	for {
		m, err := t.Receive()
		if err != nil {
			a.dropped(gen, t)
			return
		}
		a.handle(gen, m)
	}
}

func (a *Agent) dropped(gen uint64, t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.transport != t {
		return
	}
	_ = t.Close()
	a.transport = nil
	a.state = Disconnected
	log.Printf("agent %s: transport to %s closed, reconnecting in %s", a.id, a.topic, a.opt.ReconnectDelay)
	a.scheduleReconnectLocked(gen)
}

func (a *Agent) scheduleReconnectLocked(gen uint64) {
	if a.topic == "" {
		return
	}
	if a.reconnect != nil {
		a.reconnect.Cancel()
	}
	a.reconnect = a.sched.Schedule(a.opt.ReconnectDelay, func() {
		a.mu.Lock()
		if gen != a.gen || a.topic == "" || a.state != Disconnected {
			a.mu.Unlock()
			return
		}
		a.reconnect = nil
		a.state = Connecting
		a.mu.Unlock()
		go a.connect(gen)
	})
}

func (a *Agent) handle(gen uint64, m protocol.Message) {
	switch v := m.(type) {
	case protocol.ConnectedMessage:
		log.Printf("agent %s: %s (authenticated=%t)", a.id, v.Message, v.Authenticated)
	case protocol.UpdateMessage:
		a.applyRemote(gen, v.Event())
	case protocol.RefreshMessage:
		a.mu.Lock()
		if gen == a.gen && v.RecordDayID == a.topic {
			a.dropLocked()
			a.refetchLocked()
		}
		a.mu.Unlock()
		a.notify()
	case protocol.ErrorMessage:
		log.Printf("agent %s: server error: %s", a.id, v.Message)
	default:
		log.Printf("agent %s: ignoring %s", a.id, m.MessageType())
	}
}

// applyRemote patches one field. Re-delivery of a value already in the cache, such as
// the echo of our own commit, changes nothing.
func (a *Agent) applyRemote(gen uint64, evt protocol.UpdateEvent) {
	a.mu.Lock()
	if gen != a.gen || evt.Topic != a.topic {
		a.mu.Unlock()
		return
	}
	k := fieldKey{entityID: evt.EntityID, field: evt.Field}
	if a.fetchCancel != nil {
		a.seen[k] = evt.Value
	}
	if o, ok := a.overlays[k]; ok {
		o.base = evt.Value
		if !protocol.SameValue(o.value, evt.Value) {
			a.cache.ensure(evt.EntityID).conflicted = true
			a.mu.Unlock()
			a.notify()
			return
		}
		a.mu.Unlock()
		return
	}
	e := a.cache.ensure(evt.EntityID)
	if cur, ok := e.fields[evt.Field]; ok && protocol.SameValue(cur, evt.Value) {
		a.mu.Unlock()
		return
	}
	e.fields[evt.Field] = evt.Value
	a.mu.Unlock()
	a.notify()
}

// Refetch replaces the cache with a fresh copy of the current record day.
func (a *Agent) Refetch() {
	a.mu.Lock()
	a.refetchLocked()
	a.mu.Unlock()
}

// dropLocked empties the cache but keeps live optimistic values visible.
func (a *Agent) dropLocked() {
	a.cache = collection{}
	clear(a.seen)
	a.overlayLocked(fieldKey{})
}

func (a *Agent) cancelFetchLocked() {
	a.fetchSeq++
	if a.fetchCancel != nil {
		a.fetchCancel()
		a.fetchCancel = nil
	}
}

// refetchLocked supersedes any fetch in flight.
func (a *Agent) refetchLocked() {
	if a.topic == "" || a.store == nil {
		return
	}
	a.cancelFetchLocked()
	seq, gen, topic := a.fetchSeq, a.gen, a.topic
	ctx, cancel := context.WithCancel(a.ctx)
	a.fetchCancel = cancel
	go a.fetch(ctx, cancel, gen, seq, topic)
}

func (a *Agent) fetch(ctx context.Context, cancel context.CancelFunc, gen, seq uint64, topic string) {
	defer cancel()
	entities, err := a.store.FetchCollection(ctx, topic)

	a.mu.Lock()
	if gen != a.gen || seq != a.fetchSeq {
		a.mu.Unlock()
		return
	}
	a.fetchCancel = nil
	if err != nil {
		clear(a.seen)
		a.mu.Unlock()
		log.Printf("agent %s: fetch %s failed: %v", a.id, topic, err)
		return
	}
	conflicted := map[string]bool{}
	for id, e := range a.cache {
		if e.conflicted {
			conflicted[id] = true
		}
	}
	a.cache = fromEntities(entities)
	// updates that arrived during the fetch are newer than its result
	for k, v := range a.seen {
		a.cache.ensure(k.entityID).fields[k.field] = v
	}
	clear(a.seen)
	a.rebaseLocked()
	a.overlayLocked(fieldKey{})
	for id := range conflicted {
		if e, ok := a.cache[id]; ok {
			e.conflicted = true
			a.settleLocked(id)
		}
	}
	a.mu.Unlock()
	a.notify()
}
