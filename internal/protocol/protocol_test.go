package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeMutate, "corr-1", Mutate{
		RecordID:         "r1",
		ListID:           "l1",
		BaseVersion:      3,
		Fields:           map[string]any{"title": "milk"},
		IdempotencyToken: "tok-1",
	})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, TypeMutate, decoded.Type)
	assert.Equal(t, "corr-1", decoded.CorrelationID)

	var m Mutate
	require.NoError(t, decoded.Decode(&m))
	assert.Equal(t, "r1", m.RecordID)
	assert.Equal(t, int64(3), m.BaseVersion)
	assert.Equal(t, "milk", m.Fields["title"])
}

func TestEnvelope_OmitsEmptyCorrelationID(t *testing.T) {
	env, err := NewEnvelope(TypeSyncRequired, "", SyncRequired{ListID: "l1"})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "correlation_id")
}

func TestAPIResponse_Shapes(t *testing.T) {
	ok := OK(map[string]any{"x": 1}, 7)
	assert.True(t, ok.Success)
	assert.Nil(t, ok.Error)
	assert.Equal(t, int64(7), ok.Meta.Version)
	assert.False(t, ok.Meta.Timestamp.IsZero())

	fail := Fail(CodePermissionDenied, "no write access", "")
	assert.False(t, fail.Success)
	require.NotNil(t, fail.Error)
	assert.Equal(t, CodePermissionDenied, fail.Error.Code)
	assert.Nil(t, fail.Data)
}

func TestEvent_ConflictFieldsOptional(t *testing.T) {
	b, err := json.Marshal(Event{Sequence: 1, ListID: "l1", Kind: EventKindChange, Version: 4})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "superseded_version")

	b, err = json.Marshal(Event{Sequence: 2, ListID: "l1", Kind: EventKindConflict, Version: 5, SupersededVersion: 4})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"superseded_version":4`)
}
