package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"subscribe","recordDayId":"day-42"}`))
		require.NoError(t, err)
		assert.Equal(t, Subscribe("day-42"), m)
	})

	t.Run("update compacts value", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"update","recordDayId":"day-42","assignmentId":"seat-7","field":"notes","value": "left early" }`))
		require.NoError(t, err)
		upd, ok := m.(UpdateMessage)
		require.True(t, ok)
		assert.Equal(t, UpdateEvent{
			Topic:    "day-42",
			EntityID: "seat-7",
			Field:    "notes",
			Value:    json.RawMessage(`"left early"`),
		}, upd.Event())
	})

	t.Run("update without value is null", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"update","recordDayId":"d","assignmentId":"a","field":"f"}`))
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage("null"), m.(UpdateMessage).Value)
	})

	t.Run("refresh", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"refresh","recordDayId":"day-1"}`))
		require.NoError(t, err)
		assert.Equal(t, Refresh("day-1"), m)
	})

	t.Run("connected", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"connected","message":"hi","authenticated":true}`))
		require.NoError(t, err)
		assert.Equal(t, Connected("hi", true), m)
	})

	t.Run("error", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"error","message":"nope"}`))
		require.NoError(t, err)
		assert.Equal(t, Error("nope"), m)
	})
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"no type", `{"recordDayId":"x"}`, ErrMissingField},
		{"unknown type", `{"type":"op_submit"}`, ErrUnknownType},
		{"subscribe without topic", `{"type":"subscribe"}`, ErrMissingField},
		{"update without field", `{"type":"update","recordDayId":"d","assignmentId":"a"}`, ErrMissingField},
		{"refresh without topic", `{"type":"refresh"}`, ErrMissingField},
		{"wrong field type", `{"type":"subscribe","recordDayId":42}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeSetsTypeTag(t *testing.T) {
	b, err := Encode(UpdateMessage{RecordDayID: "day-42", AssignmentID: "seat-7", Field: "notes"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","recordDayId":"day-42","assignmentId":"seat-7","field":"notes","value":null}`, string(b))

	b, err = Encode(Connected("welcome", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","message":"welcome","authenticated":false}`, string(b))
}

func TestCanonicalMakesEqualValuesEqual(t *testing.T) {
	a, err := Canonical(json.RawMessage(`{ "a" : 1 }`))
	require.NoError(t, err)
	b, err := Canonical(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, SameValue(a, b))

	_, err = Canonical(json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, ErrMalformed)
}
