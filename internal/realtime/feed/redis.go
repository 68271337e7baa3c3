package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vadim/neo-social/internal/realtime/broker"
)

const redisHealthInterval = 5 * time.Second

// ErrInterrupted means the connection behind a subscription dropped and
// events may have been missed
var ErrInterrupted = errors.New("feed interrupted")

// Redis streams row events over pub/sub
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis creates a feed on the given pub/sub channel
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "feed", "feed", "redis", "channel", channel),
	}
}

// Subscribe opens a pub/sub connection and waits for the server to confirm it
func (r *Redis) Subscribe(ctx context.Context) (broker.Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := newStream(cancel, r.logger)
	go r.receive(subCtx, ps, s)

	r.logger.Debug("subscribed")
	return s, nil
}

func (r *Redis) receive(ctx context.Context, ps *redis.PubSub, s *stream) {
	defer ps.Close()
	pumpRedis(ctx, s, ps.ChannelWithSubscriptions(), r.client.Ping, redisHealthInterval)
}

// pumpRedis forwards pub/sub messages until ctx ends. The client reconnects
// and resubscribes on its own, so a subscribe confirmation after the first one
// or a failed ping ends the stream: events published meanwhile are lost.
func pumpRedis(ctx context.Context, s *stream, ch <-chan any, ping func(context.Context) *redis.StatusCmd, every time.Duration) {
	defer s.finish()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.fail(fmt.Errorf("pubsub channel closed: %w", broker.ErrStreamClosed))
				return
			}
			switch m := msg.(type) {
			case *redis.Message:
				if !s.deliver(ctx, []byte(m.Payload)) {
					return
				}
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					s.fail(fmt.Errorf("resubscribed to %s: %w", m.Channel, ErrInterrupted))
					return
				}
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, every)
			err := ping(pingCtx).Err()
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("pinging redis: %w", err))
				}
				return
			}
		}
	}
}

// Publish announces a row event to every subscriber
func (r *Redis) Publish(ctx context.Context, ev broker.RawEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}
