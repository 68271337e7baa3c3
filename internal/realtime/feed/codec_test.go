package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

func TestDecode_MessageEvent(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := broker.RawEvent{
		Table:     broker.TableMessages,
		Operation: broker.OperationInsert,
		Message: &entity.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "bob",
			Kind:           entity.MessageKindText,
			Body:           "hi",
			CreatedAt:      created,
		},
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, broker.TableMessages, got.Table)
	assert.Equal(t, broker.OperationInsert, got.Operation)
	require.NotNil(t, got.Message)
	assert.Equal(t, "c1", got.Message.ConversationID)
	assert.True(t, created.Equal(got.Message.CreatedAt))
	assert.Nil(t, got.Conversation)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "LISTEN"},
		{name: "missing table", payload: `{"operation":"INSERT","message":{"id":"m1"}}`},
		{name: "missing operation", payload: `{"table":"messages","message":{"id":"m1"}}`},
		{name: "missing row", payload: `{"table":"messages","operation":"INSERT"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestTrimmed_FitsNotifyLimit(t *testing.T) {
	ev := broker.RawEvent{
		Table:     broker.TableMessages,
		Operation: broker.OperationInsert,
		Message: &entity.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "bob",
			Body:           strings.Repeat("ж", entity.MaxMessageLength),
		},
	}

	full, err := Encode(ev)
	require.NoError(t, err)
	require.Greater(t, len(full), maxNotifyPayload)

	small, err := Encode(trimmed(ev))
	require.NoError(t, err)
	assert.Less(t, len(small), maxNotifyPayload)
	assert.NotEmpty(t, ev.Message.Body, "original event must not be modified")

	got, err := Decode(small)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Message.ID)
}
