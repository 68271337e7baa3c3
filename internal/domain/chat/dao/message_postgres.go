package dao

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
)

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

const messageColumns = `id, conversation_id, sender_id, kind, body, attachment_url, created_at, edited_at, is_deleted`

// Create inserts a message
func (r *MessagePostgres) Create(ctx context.Context, msg *entity.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Kind,
		msg.Body,
		msg.AttachmentURL,
		msg.CreatedAt,
		msg.EditedAt,
		msg.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListPage returns up to limit messages positioned before the cursor (newest
// page when before is nil) in chronological order, and whether older ones exist
func (r *MessagePostgres) ListPage(ctx context.Context, conversationID string, before *entity.PageCursor, limit int) ([]entity.Message, bool, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::text))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`

	var (
		beforeAt *time.Time
		beforeID string
	)
	if before != nil {
		beforeAt, beforeID = &before.CreatedAt, before.ID
	}

	rows, err := r.pool.Query(ctx, query, conversationID, beforeAt, beforeID, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []entity.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	slices.Reverse(messages)

	return messages, hasMore, nil
}

// UpdateBody replaces the body of a live message
func (r *MessagePostgres) UpdateBody(ctx context.Context, id, body string, editedAt time.Time) (*entity.Message, error) {
	query := `
		UPDATE messages SET body = $2, edited_at = $3
		WHERE id = $1 AND NOT is_deleted
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id, body, editedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}
	return msg, nil
}

// SoftDelete marks a message deleted; the row and its id are kept
func (r *MessagePostgres) SoftDelete(ctx context.Context, id string, at time.Time) (*entity.Message, error) {
	query := `
		UPDATE messages SET is_deleted = true, edited_at = $2
		WHERE id = $1
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}
	return msg, nil
}

func scanMessage(row pgx.Row) (*entity.Message, error) {
	var msg entity.Message

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Kind,
		&msg.Body,
		&msg.AttachmentURL,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.IsDeleted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	return &msg, nil
}
