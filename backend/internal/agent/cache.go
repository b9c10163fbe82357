package agent

import (
	"encoding/json"
	"sort"

	"studioSync/backend/internal/protocol"
)

// EntryState is the lifecycle tag of a cached entity.
type EntryState int

const (
	Clean EntryState = iota
	// Pending: at least one field holds an optimistic value not yet confirmed.
	Pending
	// Conflicted: a remote update disagreed with a pending local value. The local value
	// is kept until the commit settles and the re-fetch reconciles.
	Conflicted
)

func (s EntryState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Pending:
		return "pending"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// CacheEntry is a copy of one cached entity; mutating it does not touch the cache.
type CacheEntry struct {
	ID     string
	Fields map[string]json.RawMessage
	State  EntryState
}

type entry struct {
	fields     map[string]json.RawMessage
	conflicted bool
}

type fieldKey struct {
	entityID string
	field    string
}

// overlay is a live optimistic value: the latest applied value and how many open
// transactions are holding it. base is the last value the server gave for the field,
// nil if it had none.
type overlay struct {
	value json.RawMessage
	base  json.RawMessage
	txs   int
}

type collection map[string]*entry

func (c collection) clone() collection {
	out := make(collection, len(c))
	for id, e := range c {
		fields := make(map[string]json.RawMessage, len(e.fields))
		for k, v := range e.fields {
			fields[k] = v
		}
		out[id] = &entry{fields: fields, conflicted: e.conflicted}
	}
	return out
}

func (c collection) ensure(id string) *entry {
	e, ok := c[id]
	if !ok {
		e = &entry{fields: map[string]json.RawMessage{}}
		c[id] = e
	}
	return e
}

func fromEntities(entities []protocol.Entity) collection {
	c := make(collection, len(entities))
	for _, ent := range entities {
		e := c.ensure(ent.ID)
		for k, v := range ent.Fields {
			if canon, err := protocol.Canonical(v); err == nil {
				e.fields[k] = canon
			}
		}
	}
	return c
}

// Entry returns a copy of one cached entity.
func (a *Agent) Entry(id string) (CacheEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[id]
	if !ok {
		return CacheEntry{}, false
	}
	return a.viewLocked(id, e), true
}

// Entries returns a copy of the whole cache ordered by id.
func (a *Agent) Entries() []CacheEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CacheEntry, 0, len(a.cache))
	for id, e := range a.cache {
		out = append(out, a.viewLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Agent) viewLocked(id string, e *entry) CacheEntry {
	fields := make(map[string]json.RawMessage, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return CacheEntry{ID: id, Fields: fields, State: a.stateLocked(id, e)}
}

func (a *Agent) stateLocked(id string, e *entry) EntryState {
	for k := range a.overlays {
		if k.entityID == id {
			if e.conflicted {
				return Conflicted
			}
			return Pending
		}
	}
	return Clean
}

// settleLocked clears the conflict mark of an entity with no open transactions left.
func (a *Agent) settleLocked(id string) {
	e, ok := a.cache[id]
	if !ok {
		return
	}
	for k := range a.overlays {
		if k.entityID == id {
			return
		}
	}
	e.conflicted = false
}

// rebaseLocked records the server values now in the cache as the base of every overlay.
func (a *Agent) rebaseLocked() {
	for k, o := range a.overlays {
		o.base = nil
		if e, ok := a.cache[k.entityID]; ok {
			o.base = e.fields[k.field]
		}
	}
}

// serverViewLocked copies the cache with optimistic values replaced by their base.
func (a *Agent) serverViewLocked() collection {
	c := a.cache.clone()
	for k, o := range a.overlays {
		e, ok := c[k.entityID]
		if !ok {
			continue
		}
		if o.base != nil {
			e.fields[k.field] = o.base
			continue
		}
		delete(e.fields, k.field)
		if len(e.fields) == 0 {
			delete(c, k.entityID)
		}
	}
	return c
}

// overlayLocked re-applies every live optimistic value on top of the cache.
func (a *Agent) overlayLocked(except fieldKey) {
	for k, o := range a.overlays {
		if k == except {
			continue
		}
		a.cache.ensure(k.entityID).fields[k.field] = o.value
	}
}
