package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"studioSync/backend/internal/protocol"
	"studioSync/backend/internal/schedule"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	in     chan protocol.Message
	sent   chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan protocol.Message, 16),
		sent:   make(chan protocol.Message, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, m protocol.Message) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- m
	return nil
}

func (f *fakeTransport) Receive() (protocol.Message, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	fails int
	conns chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(context.Context) (Transport, error) {
	d.mu.Lock()
	if d.fails > 0 {
		d.fails--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	t := newFakeTransport()
	d.conns <- t
	return t, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func (d *fakeDialer) none(t *testing.T) {
	t.Helper()
	select {
	case <-d.conns:
		t.Fatal("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeStore keeps topic -> entity -> field -> value.
type fakeStore struct {
	mu        sync.Mutex
	days      map[string]map[string]map[string]json.RawMessage
	commitErr error
	commits   []string
	gate      chan struct{}
	fetches   int
	cancelled int
}

func newFakeStore() *fakeStore {
	return &fakeStore{days: map[string]map[string]map[string]json.RawMessage{}}
}

func (s *fakeStore) put(topic, entityID, field string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.days[topic] == nil {
		s.days[topic] = map[string]map[string]json.RawMessage{}
	}
	if s.days[topic][entityID] == nil {
		s.days[topic][entityID] = map[string]json.RawMessage{}
	}
	s.days[topic][entityID][field] = protocol.MustValue(value)
}

func (s *fakeStore) CommitField(_ context.Context, entityID, field string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, entityID+"."+field+"="+string(value))
	if s.commitErr != nil {
		return s.commitErr
	}
	for _, day := range s.days {
		if fields, ok := day[entityID]; ok {
			fields[field] = value
		}
	}
	return nil
}

func (s *fakeStore) FetchCollection(ctx context.Context, topic string) ([]protocol.Entity, error) {
	s.mu.Lock()
	s.fetches++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled++
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Entity
	for id, fields := range s.days[topic] {
		cp := map[string]json.RawMessage{}
		for k, v := range fields {
			cp[k] = v
		}
		out = append(out, protocol.Entity{ID: id, Fields: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) commitLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

func (s *fakeStore) counts() (fetches, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, s.cancelled
}

type harness struct {
	agent  *Agent
	dialer *fakeDialer
	store  *fakeStore
	sched  *schedule.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), store: newFakeStore(), sched: schedule.NewFake()}
	h.agent = New(h.dialer, h.store, Options{Scheduler: h.sched})
	t.Cleanup(h.agent.Close)
	return h
}

// open selects topic and completes the handshake on the new transport.
func (h *harness) open(t *testing.T, topic string) *fakeTransport {
	t.Helper()
	h.agent.SelectTopic(topic)
	conn := h.dialer.next(t)
	h.expectSubscribe(t, conn, topic)
	return conn
}

func (h *harness) expectSubscribe(t *testing.T, conn *fakeTransport, topic string) {
	t.Helper()
	select {
	case m := <-conn.sent:
		require.Equal(t, protocol.Subscribe(topic), m)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe sent")
	}
	require.Eventually(t, func() bool { return h.agent.State() == Connected }, 2*time.Second, time.Millisecond)
}

func (h *harness) value(id, field string) string {
	e, ok := h.agent.Entry(id)
	if !ok {
		return ""
	}
	return string(e.Fields[field])
}

// idle waits until no fetch is in flight and the last result has been applied.
func (h *harness) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.agent.mu.Lock()
		defer h.agent.mu.Unlock()
		return h.agent.fetchCancel == nil
	}, 2*time.Second, time.Millisecond)
}
