package protocol

import (
	"bytes"
	"encoding/json"
)

// UpdateEvent is a single committed field change on a record day.
// FIFO per (EntityID, Field); nothing is promised across keys.
type UpdateEvent struct {
	Topic    string          `json:"recordDayId"`
	EntityID string          `json:"assignmentId"`
	Field    string          `json:"field"`
	Value    json.RawMessage `json:"value"`
}

// Entity is one row of a record day collection as returned by fetchCollection.
type Entity struct {
	ID     string                     `json:"id"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// SameValue reports whether two canonical values are identical.
func SameValue(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}
