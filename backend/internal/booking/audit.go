package booking

import (
	"encoding/json"
	"time"
)

const EventFieldCommitted = "FIELD_COMMITTED"

// FieldCommittedEvent is the audit record of one committed field change.
type FieldCommittedEvent struct {
	EventType    string          `json:"eventType"` // "FIELD_COMMITTED"
	EventID      string          `json:"eventId"`
	RecordDayID  string          `json:"recordDayId"`
	AssignmentID string          `json:"assignmentId"`
	Field        string          `json:"field"`
	Value        json.RawMessage `json:"value"`
	Author       string          `json:"author,omitempty"`
	CommittedAt  time.Time       `json:"committedAt"`
}
