package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/broker"
	"studioSync/backend/internal/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrBusy = errors.New("BOOKING_BUSY")

// Store is the persistent side of the booking workflow.
type Store interface {
	CommitField(ctx context.Context, assignmentID, field string, value json.RawMessage) (recordDayID string, err error)
	FetchCollection(ctx context.Context, recordDayID string) ([]protocol.Entity, error)
	AddAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) error
	RemoveAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) (int64, error)
}

// Auditor receives every committed change; *KafkaDispatcher implements it.
type Auditor interface {
	Enqueue(ctx context.Context, evt FieldCommittedEvent) error
}

type Options struct {
	// AcquireTimeout bounds how long a commit waits for a store slot.
	AcquireTimeout time.Duration
	// AuditTimeout bounds how long a commit waits for audit queue space.
	AuditTimeout time.Duration
	// FetchTimeout bounds a shared collection read.
	FetchTimeout time.Duration
}

const lockStripes = 64

// Service is the commit and fetch path behind the REST endpoints. A successful commit
// is published on the record day topic; a failed one publishes nothing.
type Service struct {
	store Store
	pub   broker.Publisher
	audit Auditor
	sem   *SemaphoreControl
	opt   Options

	sf singleflight.Group
	// serializes commit+publish per (assignment, field) so events leave in store order
	stripes [lockStripes]sync.Mutex
}

func NewService(store Store, pub broker.Publisher, audit Auditor, sem *SemaphoreControl, opt Options) *Service {
	if opt.AcquireTimeout <= 0 {
		opt.AcquireTimeout = 2 * time.Second
	}
	if opt.AuditTimeout <= 0 {
		opt.AuditTimeout = 50 * time.Millisecond
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = 10 * time.Second
	}
	if sem == nil {
		sem = NewSemaphoreControl(DefaultSemaphore)
	}
	return &Service{store: store, pub: pub, audit: audit, sem: sem, opt: opt}
}

func (s *Service) stripe(assignmentID, field string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(assignmentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(field))
	return &s.stripes[h.Sum32()%lockStripes]
}

// CommitField persists one field and broadcasts the change. Store errors are returned
// unchanged so callers can match the store's sentinels.
func (s *Service) CommitField(ctx context.Context, assignmentID, field string, value json.RawMessage, author string) (protocol.UpdateEvent, error) {
	value, err := protocol.Canonical(value)
	if err != nil {
		return protocol.UpdateEvent{}, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.opt.AcquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(acquireCtx); err != nil {
		return protocol.UpdateEvent{}, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer s.sem.Release()

	mu := s.stripe(assignmentID, field)
	mu.Lock()
	defer mu.Unlock()

	recordDayID, err := s.store.CommitField(ctx, assignmentID, field, value)
	if err != nil {
		return protocol.UpdateEvent{}, err
	}
	evt := protocol.UpdateEvent{Topic: recordDayID, EntityID: assignmentID, Field: field, Value: value}

	// Already durable: a failed publish is logged, not returned.
	if err := s.pub.PublishUpdate(ctx, evt); err != nil {
		log.Printf("publish update failed (recordDay=%s, assignment=%s, field=%s): %v", recordDayID, assignmentID, field, err)
	}
	s.enqueueAudit(ctx, evt, author)
	return evt, nil
}

func (s *Service) enqueueAudit(ctx context.Context, evt protocol.UpdateEvent, author string) {
	if s.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(ctx, s.opt.AuditTimeout)
	defer cancel()
	err := s.audit.Enqueue(auditCtx, FieldCommittedEvent{
		EventType:    EventFieldCommitted,
		EventID:      uuid.NewString(),
		RecordDayID:  evt.Topic,
		AssignmentID: evt.EntityID,
		Field:        evt.Field,
		Value:        evt.Value,
		Author:       author,
		CommittedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("audit enqueue dropped (recordDay=%s, assignment=%s): %v", evt.Topic, evt.EntityID, err)
	}
}

// FetchCollection coalesces concurrent fetches of the same record day into one store
// read. The returned slice is shared between those callers and must not be modified.
// A caller whose ctx ends stops waiting; the read goes on for the others.
func (s *Service) FetchCollection(ctx context.Context, recordDayID string) ([]protocol.Entity, error) {
	ch := s.sf.DoChan(recordDayID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.FetchTimeout)
		defer cancel()
		return s.store.FetchCollection(readCtx, recordDayID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]protocol.Entity), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh tells every subscriber of the record day to re-fetch.
func (s *Service) Refresh(ctx context.Context, recordDayID string) error {
	if err := s.pub.PublishRefresh(ctx, recordDayID); err != nil {
		return fmt.Errorf("refresh %s: %w", recordDayID, err)
	}
	return nil
}

// AddAssignments and RemoveAssignments are bulk changes; they are announced with a
// refresh rather than per-field updates.
func (s *Service) AddAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) error {
	if err := s.store.AddAssignments(ctx, recordDayID, assignmentIDs); err != nil {
		return err
	}
	return s.Refresh(ctx, recordDayID)
}

func (s *Service) RemoveAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) (int64, error) {
	n, err := s.store.RemoveAssignments(ctx, recordDayID, assignmentIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := s.Refresh(ctx, recordDayID); err != nil {
			return n, err
		}
	}
	return n, nil
}
