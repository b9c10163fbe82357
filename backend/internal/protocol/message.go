package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire types. The set is closed: anything else is rejected at Decode.
const (
	TypeConnected = "connected"
	TypeSubscribe = "subscribe"
	TypeUpdate    = "update"
	TypeRefresh   = "refresh"
	TypeError     = "error"
)

var (
	ErrMalformed    = errors.New("MALFORMED_MESSAGE")
	ErrUnknownType  = errors.New("UNKNOWN_MESSAGE_TYPE")
	ErrMissingField = errors.New("MISSING_FIELD")
)

// Message is one variant of the wire envelope.
type Message interface {
	MessageType() string
}

// ConnectedMessage is sent once per connection, right after accept.
type ConnectedMessage struct {
	Type          string `json:"type"` // "connected"
	Message       string `json:"message"`
	Authenticated bool   `json:"authenticated"`
}

// SubscribeMessage binds the connection to one record day.
type SubscribeMessage struct {
	Type        string `json:"type"` // "subscribe"
	RecordDayID string `json:"recordDayId"`
}

// UpdateMessage carries one committed field change (UpdateEvent).
type UpdateMessage struct {
	Type         string          `json:"type"` // "update"
	RecordDayID  string          `json:"recordDayId"`
	AssignmentID string          `json:"assignmentId"`
	Field        string          `json:"field"`
	Value        json.RawMessage `json:"value"`
}

// RefreshMessage tells subscribers to re-fetch the whole record day (RefreshSignal).
type RefreshMessage struct {
	Type        string `json:"type"` // "refresh"
	RecordDayID string `json:"recordDayId"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

func (m ConnectedMessage) MessageType() string { return TypeConnected }
func (m SubscribeMessage) MessageType() string { return TypeSubscribe }
func (m UpdateMessage) MessageType() string    { return TypeUpdate }
func (m RefreshMessage) MessageType() string   { return TypeRefresh }
func (m ErrorMessage) MessageType() string     { return TypeError }

func Connected(message string, authenticated bool) ConnectedMessage {
	return ConnectedMessage{Type: TypeConnected, Message: message, Authenticated: authenticated}
}

func Subscribe(recordDayID string) SubscribeMessage {
	return SubscribeMessage{Type: TypeSubscribe, RecordDayID: recordDayID}
}

func Update(evt UpdateEvent) UpdateMessage {
	return UpdateMessage{
		Type:         TypeUpdate,
		RecordDayID:  evt.Topic,
		AssignmentID: evt.EntityID,
		Field:        evt.Field,
		Value:        evt.Value,
	}
}

func Refresh(recordDayID string) RefreshMessage {
	return RefreshMessage{Type: TypeRefresh, RecordDayID: recordDayID}
}

func Error(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// Event returns the UpdateEvent carried by the message.
func (m UpdateMessage) Event() UpdateEvent {
	return UpdateEvent{Topic: m.RecordDayID, EntityID: m.AssignmentID, Field: m.Field, Value: m.Value}
}

// Encode writes the envelope. The type tag always comes from the variant, so a zero
// Type field on a hand-built struct still produces a valid envelope.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ConnectedMessage:
		v.Type = TypeConnected
		return json.Marshal(v)
	case SubscribeMessage:
		v.Type = TypeSubscribe
		return json.Marshal(v)
	case UpdateMessage:
		v.Type = TypeUpdate
		if len(v.Value) == 0 {
			v.Value = json.RawMessage("null")
		}
		return json.Marshal(v)
	case RefreshMessage:
		v.Type = TypeRefresh
		return json.Marshal(v)
	case ErrorMessage:
		v.Type = TypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// Decode parses one envelope into its variant. Nothing past this point sees raw JSON.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case TypeConnected:
		var m ConnectedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil

	case TypeSubscribe:
		var m SubscribeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RecordDayID == "" {
			return nil, fmt.Errorf("%w: recordDayId", ErrMissingField)
		}
		return m, nil

	case TypeUpdate:
		var m UpdateMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RecordDayID == "" || m.AssignmentID == "" || m.Field == "" {
			return nil, fmt.Errorf("%w: recordDayId/assignmentId/field", ErrMissingField)
		}
		value, err := Canonical(m.Value)
		if err != nil {
			return nil, err
		}
		m.Value = value
		return m, nil

	case TypeRefresh:
		var m RefreshMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RecordDayID == "" {
			return nil, fmt.Errorf("%w: recordDayId", ErrMissingField)
		}
		return m, nil

	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil

	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// Canonical compacts a JSON value so equal values compare equal byte for byte.
// An absent value becomes null.
func Canonical(v json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(v)) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrMalformed, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// MustValue marshals a Go value into a canonical JSON value.
func MustValue(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: value not encodable: %v", err))
	}
	return json.RawMessage(b)
}
