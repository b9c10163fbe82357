package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("audit dispatcher closed")

// KafkaDispatcher ships audit events through a bounded local queue drained by a few
// workers with capped exponential retry. Commits only ever wait on the enqueue; when
// the queue stays full past the caller's deadline the event is dropped.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opt      KafkaDispatcherOptions
	// shared by all workers; bounds SendMessage calls in flight
	sem *SemaphoreControl

	events chan FieldCommittedEvent

	mu      sync.RWMutex
	stopped bool
	running sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.Workers = max(opt.Workers, 1)
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		sem:      sem,
		events:   make(chan FieldCommittedEvent, opt.QueueSize),
	}
	d.running.Add(opt.Workers)
	for w := range opt.Workers {
		go d.drain(w)
	}
	return d
}

// Enqueue waits for queue space until ctx is done.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt FieldCommittedEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherClosed
	}
	select {
	case d.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits until the queue is drained.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	already := d.stopped
	if !already {
		d.stopped = true
		close(d.events)
	}
	d.mu.Unlock()
	if !already {
		d.running.Wait()
	}
}

func (d *KafkaDispatcher) drain(worker int) {
	defer d.running.Done()
	for evt := range d.events {
		if err := d.deliver(evt); err != nil {
			log.Printf("audit: dropping event=%s recordDay=%s assignment=%s field=%s worker=%d after %d attempts: %v",
				evt.EventID, evt.RecordDayID, evt.AssignmentID, evt.Field, worker, d.opt.MaxRetry+1, err)
		}
	}
}

// deliver tries MaxRetry+1 times, sleeping BaseBackoff*2^n (capped) in between.
func (d *KafkaDispatcher) deliver(evt FieldCommittedEvent) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = d.send(evt); err == nil || attempt >= d.opt.MaxRetry {
			return err
		}
		time.Sleep(d.backoff(attempt))
	}
}

func (d *KafkaDispatcher) backoff(attempt int) time.Duration {
	wait := d.opt.BaseBackoff << attempt
	if d.opt.MaxBackoff > 0 && (wait > d.opt.MaxBackoff || wait < d.opt.BaseBackoff) {
		return d.opt.MaxBackoff
	}
	return wait
}

func (d *KafkaDispatcher) send(evt FieldCommittedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if d.sem != nil {
		// never fails without a deadline
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   d.topic,
		Key:     sarama.StringEncoder(evt.RecordDayID),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{{Key: []byte("eventType"), Value: []byte(evt.EventType)}},
	})
	return err
}
