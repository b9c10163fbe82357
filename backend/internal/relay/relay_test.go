package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invalidations struct {
	mu    sync.Mutex
	calls []string
}

func (i *invalidations) record(s string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, s)
}

func (i *invalidations) InvalidateContestants()         { i.record("contestants") }
func (i *invalidations) InvalidateSeating(topic string) { i.record("seating:" + topic) }
func (i *invalidations) InvalidateBooking(topic string) { i.record("booking:" + topic) }
func (i *invalidations) InvalidateAll()                 { i.record("all") }

func (i *invalidations) list() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.calls...)
}

const wait = 2 * time.Second

func TestNoticesReachOtherContextsOnly(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	var mine, theirs invalidations
	a := New(bus, "", &mine)
	b := New(bus, "", &theirs)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Notify(ctx, Seating, "day-42"))
	require.NoError(t, a.Notify(ctx, Booking, ""))
	require.NoError(t, a.Notify(ctx, Contestants, ""))
	require.NoError(t, a.Notify(ctx, All, ""))

	require.Eventually(t, func() bool { return len(theirs.list()) == 4 }, wait, time.Millisecond)
	assert.Equal(t, []string{"seating:day-42", "booking:", "contestants", "all"}, theirs.list())
	assert.Empty(t, mine.list())
}

func TestChannelIsCreatedLazilyAndTornDown(t *testing.T) {
	bus := NewBus()
	r := New(bus, "studio", &invalidations{})
	assert.Equal(t, 0, bus.Ports("studio"))

	require.NoError(t, r.Notify(context.Background(), All, ""))
	assert.Equal(t, 1, bus.Ports("studio"))

	require.NoError(t, r.Close())
	assert.Equal(t, 0, bus.Ports("studio"))
	require.NoError(t, r.Close())
}

func TestChannelsAreIsolatedByName(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	var other invalidations
	a := New(bus, "studio-a", nil)
	b := New(bus, "studio-b", &other)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Notify(ctx, All, ""))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, other.list())
}

func TestUnknownKindIsRejectedAndIgnored(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	var got invalidations
	r := New(bus, "", &got)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Start(ctx))

	assert.ErrorIs(t, New(bus, "", nil).Notify(ctx, Kind("rooms"), ""), ErrUnknownKind)

	raw, err := bus.Open(ctx, DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	require.NoError(t, raw.Post(ctx, []byte(`{"type":"rooms","timestamp":1}`)))
	require.NoError(t, raw.Post(ctx, []byte(`not json`)))
	require.NoError(t, raw.Post(ctx, []byte(`{"type":"all","timestamp":2}`)))

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, wait, time.Millisecond)
	assert.Equal(t, []string{"all"}, got.list())
}

func TestNoticeWireFormat(t *testing.T) {
	bus := NewBus()
	r := New(bus, "", nil)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	listener, err := bus.Open(ctx, DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	require.NoError(t, r.Notify(ctx, Seating, "day-42"))
	select {
	case payload := <-listener.Messages():
		assert.JSONEq(t, `{"type":"seating","topic":"day-42","timestamp":1700000000000}`, string(payload))
	case <-time.After(wait):
		t.Fatal("no notice")
	}

	require.NoError(t, r.Notify(ctx, All, ""))
	payload := <-listener.Messages()
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.NotContains(t, m, "topic")
}

func TestPostAfterCloseFails(t *testing.T) {
	p, err := NewBus().Open(context.Background(), "x")
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Post(context.Background(), []byte(`{}`)), ErrChannelClosed)
}

func TestRedisBusAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newRelay := func(inv Invalidator) *Relay {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		r := New(NewRedisBus(rdb), "", inv)
		t.Cleanup(func() { _ = r.Close() })
		return r
	}

	var mine, theirs invalidations
	a := newRelay(&mine)
	b := newRelay(&theirs)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Notify(ctx, Booking, "day-43"))
	require.Eventually(t, func() bool { return len(theirs.list()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"booking:day-43"}, theirs.list())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mine.list())
}
