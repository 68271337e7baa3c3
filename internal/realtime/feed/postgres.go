package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-social/internal/realtime/broker"
)

// NOTIFY payloads are limited to 8000 bytes by the server
const maxNotifyPayload = 7900

// Postgres streams row events over LISTEN/NOTIFY
type Postgres struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewPostgres creates a feed on the given notification channel
func NewPostgres(pool *pgxpool.Pool, channel string, logger *slog.Logger) *Postgres {
	return &Postgres{
		pool:    pool,
		channel: channel,
		logger:  logger.With("component", "feed", "feed", "postgres", "channel", channel),
	}
}

// Subscribe takes a dedicated connection out of the pool and listens on it
func (p *Postgres) Subscribe(ctx context.Context) (broker.Subscription, error) {
	pooled, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	// LISTEN state belongs to the session, so the connection never goes back to the pool
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		closeConn(conn)
		return nil, fmt.Errorf("listening on %s: %w", p.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := newStream(cancel, p.logger)
	go p.receive(subCtx, conn, s)

	p.logger.Debug("listening")
	return s, nil
}

func (p *Postgres) receive(ctx context.Context, conn *pgx.Conn, s *stream) {
	defer s.finish()
	defer closeConn(conn)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("waiting for notification: %w", err))
			}
			return
		}
		if !s.deliver(ctx, []byte(n.Payload)) {
			return
		}
	}
}

// Publish announces a row event to every listener
func (p *Postgres) Publish(ctx context.Context, ev broker.RawEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		payload, err = Encode(trimmed(ev))
		if err != nil {
			return err
		}
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, string(payload)); err != nil {
		return fmt.Errorf("notifying %s: %w", p.channel, err)
	}
	return nil
}

// trimmed drops message content; consumers re-fetch rows anyway
func trimmed(ev broker.RawEvent) broker.RawEvent {
	if ev.Message != nil {
		m := *ev.Message
		m.Body = ""
		ev.Message = &m
	}
	if ev.Conversation != nil {
		c := *ev.Conversation
		c.LastMessagePreview = ""
		c.Participants = nil
		ev.Conversation = &c
	}
	return ev
}

func closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Close(ctx)
}
