package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() FieldCommittedEvent {
	return FieldCommittedEvent{
		EventType:    EventFieldCommitted,
		EventID:      "evt-1",
		RecordDayID:  "day-42",
		AssignmentID: "seat-7",
		Field:        "notes",
		Value:        json.RawMessage(`"left early"`),
		CommittedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestKafkaDispatcherSendsKeyedByRecordDay(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "day-42" {
			return fmt.Errorf("key = %q", key)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != EventFieldCommitted {
			return fmt.Errorf("headers = %v", msg.Headers)
		}
		if msg.Topic != "booking.audit" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got FieldCommittedEvent
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.AssignmentID != "seat-7" || string(got.Value) != `"left early"` {
			return fmt.Errorf("unexpected payload %s", value)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "booking.audit", NewSemaphoreControl(2), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	require.NoError(t, d.Enqueue(context.Background(), testEvent()))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "booking.audit", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, d.Enqueue(context.Background(), testEvent()))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "booking.audit", nil, KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	require.NoError(t, d.Enqueue(context.Background(), testEvent()))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherBackoffIsCapped(t *testing.T) {
	d := &KafkaDispatcher{opt: KafkaDispatcherOptions{BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}}
	assert.Equal(t, 50*time.Millisecond, d.backoff(0))
	assert.Equal(t, 400*time.Millisecond, d.backoff(3))
	assert.Equal(t, time.Second, d.backoff(5))
	assert.Equal(t, time.Second, d.backoff(62))
}

func TestKafkaDispatcherEnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{})
	d.Close()
	d.Close()
	assert.ErrorIs(t, d.Enqueue(context.Background(), testEvent()), ErrDispatcherClosed)
}

func TestKafkaDispatcherEnqueueHonoursDeadline(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	block := make(chan struct{})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func([]byte) error {
		<-block
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "booking.audit", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, testEvent()))
	// first event is in flight; fill the queue
	require.Eventually(t, func() bool { return len(d.events) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(ctx, testEvent()))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(short, testEvent()), context.DeadlineExceeded)

	close(block)
	d.Close()
	require.NoError(t, producer.Close())
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
}
