package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"studioSync/backend/internal/protocol"
)

var (
	// ErrCommitFailed wraps the store's error after a rollback. The cache is back to its
	// pre-edit state; the caller may retry.
	ErrCommitFailed = errors.New("COMMIT_FAILED")
	ErrTxDone       = errors.New("transaction already settled")
	ErrNoTopic      = errors.New("no record day selected")
)

// Tx is one optimistic edit of a single field: Begin snapshots the cache, Apply shows a
// value immediately, Commit sends the latest applied value and either keeps it or puts
// the snapshot back.
type Tx struct {
	a        *Agent
	key      fieldKey
	gen      uint64
	snapshot collection

	applied bool
	done    bool
	value   json.RawMessage
}

// Begin opens a transaction on one field. The snapshot covers the whole collection so
// rollback is exact; fields still held by other transactions are snapshotted at their
// server value.
func (a *Agent) Begin(entityID, field string) *Tx {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Tx{
		a:        a,
		key:      fieldKey{entityID: entityID, field: field},
		gen:      a.gen,
		snapshot: a.serverViewLocked(),
	}
}

func (t *Tx) EntityID() string { return t.key.entityID }
func (t *Tx) Field() string    { return t.key.field }

// Apply writes value into the cache right away. It may be called repeatedly; Commit
// sends the last value.
func (t *Tx) Apply(value json.RawMessage) error {
	canon, err := protocol.Canonical(value)
	if err != nil {
		return err
	}
	a := t.a
	a.mu.Lock()
	if t.done {
		a.mu.Unlock()
		return ErrTxDone
	}
	t.value = canon
	if t.gen != a.gen {
		// topic switched; the edit will still be committed but the cache is not ours
		a.mu.Unlock()
		return nil
	}
	o, ok := a.overlays[t.key]
	if !ok {
		o = &overlay{}
		if e, found := a.cache[t.key.entityID]; found {
			o.base = e.fields[t.key.field]
		}
		a.overlays[t.key] = o
	}
	if !t.applied {
		o.txs++
		t.applied = true
	}
	o.value = canon
	a.cache.ensure(t.key.entityID).fields[t.key.field] = canon
	a.mu.Unlock()
	a.notify()
	return nil
}

// Commit sends the applied value to the store. On success the value stays; on failure
// the cache is restored to the snapshot and the error wraps ErrCommitFailed. Either way
// the collection is re-fetched afterwards.
func (t *Tx) Commit(ctx context.Context) error {
	a := t.a
	a.mu.Lock()
	if t.done {
		a.mu.Unlock()
		return ErrTxDone
	}
	if t.value == nil {
		a.mu.Unlock()
		t.Rollback()
		return nil
	}
	value := t.value
	a.mu.Unlock()

	err := a.store.CommitField(ctx, t.key.entityID, t.key.field, value)

	a.mu.Lock()
	t.done = true
	if t.gen == a.gen {
		t.releaseLocked()
		if err != nil {
			t.restoreLocked()
		}
		a.settleLocked(t.key.entityID)
		a.refetchLocked()
	}
	a.mu.Unlock()
	a.notify()

	if err != nil {
		return fmt.Errorf("%w: %s.%s: %w", ErrCommitFailed, t.key.entityID, t.key.field, err)
	}
	return nil
}

// Rollback abandons the edit without committing and restores the snapshot.
func (t *Tx) Rollback() {
	a := t.a
	a.mu.Lock()
	if t.done {
		a.mu.Unlock()
		return
	}
	t.done = true
	if t.gen == a.gen && t.applied {
		t.releaseLocked()
		t.restoreLocked()
		a.settleLocked(t.key.entityID)
	}
	a.mu.Unlock()
	a.notify()
}

func (t *Tx) releaseLocked() {
	if !t.applied {
		return
	}
	a := t.a
	if o, ok := a.overlays[t.key]; ok {
		o.txs--
		if o.txs <= 0 {
			delete(a.overlays, t.key)
		}
	}
}

// restoreLocked puts the snapshot back. Other fields still being edited keep their
// optimistic values.
func (t *Tx) restoreLocked() {
	a := t.a
	a.cache = t.snapshot.clone()
	a.overlayLocked(fieldKey{})
}

// CommitField is Begin, Apply and Commit in one call.
func (a *Agent) CommitField(ctx context.Context, entityID, field string, value json.RawMessage) error {
	if a.Topic() == "" {
		return ErrNoTopic
	}
	tx := a.Begin(entityID, field)
	if err := tx.Apply(value); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}
