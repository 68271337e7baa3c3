package chattest

import (
	"context"
	"sync"

	"github.com/vadim/neo-social/internal/realtime/broker"
)

// Feed is an in-process event source: everything published is fanned out to
// every open subscription.
type Feed struct {
	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSub]struct{})}
}

func (f *Feed) Subscribe(ctx context.Context) (broker.Subscription, error) {
	s := &feedSub{
		feed:   f,
		ch:     make(chan broker.RawEvent, 64),
		closed: make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

func (f *Feed) Publish(ctx context.Context, ev broker.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subs {
		select {
		case s.ch <- ev:
		case <-s.closed:
		}
	}
	return nil
}

// Drop ends every open subscription with err
func (f *Feed) Drop(err error) {
	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.end(err)
	}
}

// Subscribers returns the number of open subscriptions
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type feedSub struct {
	feed   *Feed
	ch     chan broker.RawEvent
	once   sync.Once
	closed chan struct{}

	mu  sync.Mutex
	err error
}

func (s *feedSub) Events() <-chan broker.RawEvent { return s.ch }

func (s *feedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSub) Close() error {
	s.end(nil)
	return nil
}

func (s *feedSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		close(s.closed)

		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		close(s.ch)
		s.feed.mu.Unlock()
	})
}
