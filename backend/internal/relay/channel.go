package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrChannelClosed = errors.New("relay channel closed")

const portBuffer = 16

// Port is one context's handle on a named channel. Posts reach every other port on
// the same name, never the poster.
type Port interface {
	Post(ctx context.Context, payload []byte) error
	Messages() <-chan []byte
	Close() error
}

// Opener creates ports on named channels.
type Opener interface {
	Open(ctx context.Context, name string) (Port, error)
}

// Bus is an in-process Opener. A name exists while at least one port is open on it.
type Bus struct {
	mu       sync.Mutex
	channels map[string]map[*localPort]struct{}
}

func NewBus() *Bus {
	return &Bus{channels: map[string]map[*localPort]struct{}{}}
}

type localPort struct {
	bus    *Bus
	name   string
	ch     chan []byte
	closed bool
}

func (b *Bus) Open(_ context.Context, name string) (Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports, ok := b.channels[name]
	if !ok {
		ports = map[*localPort]struct{}{}
		b.channels[name] = ports
	}
	p := &localPort{bus: b, name: name, ch: make(chan []byte, portBuffer)}
	ports[p] = struct{}{}
	return p, nil
}

// Ports returns how many ports are open on name.
func (b *Bus) Ports(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[name])
}

func (p *localPort) Post(_ context.Context, payload []byte) error {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return ErrChannelClosed
	}
	for other := range b.channels[p.name] {
		if other == p {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case other.ch <- msg:
		default:
			log.Printf("relay: port on %s is full, dropping notice", p.name)
		}
	}
	return nil
}

func (p *localPort) Messages() <-chan []byte { return p.ch }

func (p *localPort) Close() error {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.ch)
	ports := b.channels[p.name]
	delete(ports, p)
	if len(ports) == 0 {
		delete(b.channels, p.name)
	}
	return nil
}

// RedisBus opens channels as Redis pub/sub channels, for agents running as separate
// processes on one machine.
type RedisBus struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: "relay:"}
}

type envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type redisPort struct {
	rdb     redis.UniversalClient
	channel string
	id      string
	ch      chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (b *RedisBus) Open(ctx context.Context, name string) (Port, error) {
	channel := b.prefix + name
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	p := &redisPort{
		rdb:     b.rdb,
		channel: channel,
		id:      uuid.NewString(),
		ch:      make(chan []byte, portBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer close(p.ch)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("relay: dropping malformed envelope on %s: %v", channel, err)
					continue
				}
				if env.From == p.id {
					continue
				}
				select {
				case p.ch <- []byte(env.Payload):
				default:
					log.Printf("relay: port on %s is full, dropping notice", channel)
				}
			}
		}
	}()
	return p, nil
}

func (p *redisPort) Post(ctx context.Context, payload []byte) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}
	raw, err := json.Marshal(envelope{From: p.id, Payload: payload})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", p.channel, err)
	}
	return nil
}

func (p *redisPort) Messages() <-chan []byte { return p.ch }

func (p *redisPort) Close() error {
	p.once.Do(p.cancel)
	<-p.done
	return nil
}
