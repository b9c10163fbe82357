// Package relay tells other contexts on the same device that shared data changed, so
// they re-fetch instead of waiting for the server.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultChannel is the relay name every agent on a device joins.
const DefaultChannel = "studio-booking-sync"

type Kind string

const (
	Contestants Kind = "contestants"
	Seating     Kind = "seating"
	Booking     Kind = "booking"
	All         Kind = "all"
)

var ErrUnknownKind = errors.New("unknown notice type")

func (k Kind) valid() bool {
	switch k {
	case Contestants, Seating, Booking, All:
		return true
	}
	return false
}

// Notice is the channel payload. Timestamp is milliseconds since the epoch and only
// used for logging.
type Notice struct {
	Type      Kind   `json:"type"`
	Topic     string `json:"topic,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Invalidator drops cached data; *agent.Agent implements it.
type Invalidator interface {
	InvalidateContestants()
	InvalidateSeating(topic string)
	InvalidateBooking(topic string)
	InvalidateAll()
}

type Relay struct {
	opener Opener
	name   string
	inv    Invalidator
	now    func() time.Time

	mu   sync.Mutex
	port Port
	done chan struct{}
}

// New returns a relay on the named channel. Nothing is opened until the first Notify
// or Start.
func New(opener Opener, name string, inv Invalidator) *Relay {
	if name == "" {
		name = DefaultChannel
	}
	return &Relay{opener: opener, name: name, inv: inv, now: time.Now}
}

// Start joins the channel and begins applying notices from other contexts.
func (r *Relay) Start(ctx context.Context) error {
	_, err := r.ensure(ctx)
	return err
}

func (r *Relay) ensure(ctx context.Context) (Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port != nil {
		return r.port, nil
	}
	p, err := r.opener.Open(ctx, r.name)
	if err != nil {
		return nil, err
	}
	r.port = p
	r.done = make(chan struct{})
	go r.listen(p, r.done)
	return p, nil
}

// Notify announces a change to every other context on the channel. topic is optional.
func (r *Relay) Notify(ctx context.Context, kind Kind, topic string) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p, err := r.ensure(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Notice{Type: kind, Topic: topic, Timestamp: r.now().UnixMilli()})
	if err != nil {
		return err
	}
	return p.Post(ctx, payload)
}

// Close leaves the channel. The relay may be reused; the next call opens it again.
func (r *Relay) Close() error {
	r.mu.Lock()
	p, done := r.port, r.done
	r.port, r.done = nil, nil
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	err := p.Close()
	<-done
	return err
}

func (r *Relay) listen(p Port, done chan struct{}) {
	defer close(done)
	for payload := range p.Messages() {
		var n Notice
		if err := json.Unmarshal(payload, &n); err != nil {
			log.Printf("relay: dropping malformed notice on %s: %v", r.name, err)
			continue
		}
		r.apply(n)
	}
}

func (r *Relay) apply(n Notice) {
	if r.inv == nil {
		return
	}
	switch n.Type {
	case Contestants:
		r.inv.InvalidateContestants()
	case Seating:
		r.inv.InvalidateSeating(n.Topic)
	case Booking:
		r.inv.InvalidateBooking(n.Topic)
	case All:
		r.inv.InvalidateAll()
	default:
		log.Printf("relay: ignoring notice type=%q ts=%d", n.Type, n.Timestamp)
	}
}
