package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vadim/neo-social/internal/metrics"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

const eventBuffer = 64

// stream is the Subscription shared by every feed. The feed-specific receive
// loop runs in its own goroutine and hands payloads to deliver.
type stream struct {
	events chan broker.RawEvent
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newStream(cancel context.CancelFunc, logger *slog.Logger) *stream {
	return &stream{
		events: make(chan broker.RawEvent, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *stream) Events() <-chan broker.RawEvent {
	return s.events
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the receive loop and waits for it to finish
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// finish must be deferred by the receive loop
func (s *stream) finish() {
	close(s.events)
	close(s.done)
}

// deliver decodes one payload; false means the stream is shutting down
func (s *stream) deliver(ctx context.Context, payload []byte) bool {
	ev, err := Decode(payload)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		s.logger.Warn("skipping malformed payload", "error", err, "size", len(payload))
		return true
	}

	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
