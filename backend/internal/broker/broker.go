package broker

import (
	"context"
	"fmt"
	"log"

	"studioSync/backend/internal/protocol"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel shared by every server instance.
const DefaultChannel = "booking:events"

// Dispatcher is the local fan-out target; *ws.Hub implements it.
type Dispatcher interface {
	BroadcastUpdate(evt protocol.UpdateEvent) int
	BroadcastRefresh(recordDayID string) int
}

// Publisher emits events to every subscriber of a record day, on every instance.
type Publisher interface {
	PublishUpdate(ctx context.Context, evt protocol.UpdateEvent) error
	PublishRefresh(ctx context.Context, recordDayID string) error
}

// Local dispatches straight into this process's hub. Used when no Redis is configured.
type Local struct {
	d Dispatcher
}

func NewLocal(d Dispatcher) *Local { return &Local{d: d} }

func (l *Local) PublishUpdate(_ context.Context, evt protocol.UpdateEvent) error {
	l.d.BroadcastUpdate(evt)
	return nil
}

func (l *Local) PublishRefresh(_ context.Context, recordDayID string) error {
	l.d.BroadcastRefresh(recordDayID)
	return nil
}

// Redis publishes events on a pub/sub channel. Each instance runs a Subscription that
// feeds whatever arrives on the channel into its own hub, so an event reaches its local
// subscribers through the same path as everyone else's.
type Redis struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedis(rdb redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{rdb: rdb, channel: channel}
}

func (r *Redis) PublishUpdate(ctx context.Context, evt protocol.UpdateEvent) error {
	return r.publish(ctx, protocol.Update(evt))
}

func (r *Redis) PublishRefresh(ctx context.Context, recordDayID string) error {
	return r.publish(ctx, protocol.Refresh(recordDayID))
}

func (r *Redis) publish(ctx context.Context, m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", m.MessageType(), r.channel, err)
	}
	return nil
}

// Subscription is a running channel consumer. Close stops it and waits for it to exit.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe starts delivering channel traffic to d. It returns once Redis has confirmed
// the subscription, so nothing published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, d Dispatcher) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				dispatch(d, msg.Payload)
			}
		}
	}()

	return &Subscription{cancel: cancel, done: done}, nil
}

func dispatch(d Dispatcher, payload string) {
	m, err := protocol.Decode([]byte(payload))
	if err != nil {
		log.Printf("broker: dropping event: %v", err)
		return
	}
	switch v := m.(type) {
	case protocol.UpdateMessage:
		d.BroadcastUpdate(v.Event())
	case protocol.RefreshMessage:
		d.BroadcastRefresh(v.RecordDayID)
	default:
		log.Printf("broker: ignoring %s on channel", m.MessageType())
	}
}
