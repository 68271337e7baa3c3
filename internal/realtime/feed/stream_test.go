package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/metrics"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

// pump mimics a feed receive loop over an in-memory channel
func pump(ctx context.Context, s *stream, in <-chan []byte) {
	defer s.finish()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				s.fail(broker.ErrStreamClosed)
				return
			}
			if !s.deliver(ctx, payload) {
				return
			}
		}
	}
}

func newTestStream() (*stream, chan []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newStream(cancel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	in := make(chan []byte)
	go pump(ctx, s, in)
	return s, in
}

func TestStream_SkipsMalformedPayloads(t *testing.T) {
	s, in := newTestStream()
	defer s.Close()

	dropped := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropMalformed))

	in <- []byte("garbage")
	in <- []byte(`{"table":"conversations","operation":"INSERT","conversation":{"id":"c1"}}`)

	select {
	case ev := <-s.Events():
		assert.Equal(t, broker.TableConversations, ev.Table)
		assert.Equal(t, "c1", ev.Conversation.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropMalformed)))
}

func TestStream_EndReportsCause(t *testing.T) {
	s, in := newTestStream()
	close(in)

	_, open := <-s.Events()
	assert.False(t, open)
	require.ErrorIs(t, s.Err(), broker.ErrStreamClosed)
	assert.NoError(t, s.Close())
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s, _ := newTestStream()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-s.Events()
	assert.False(t, open)
	assert.NoError(t, s.Err())
}
