package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
)

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

// listQuery selects the viewer's conversations with the latest message,
// the viewer's unread count and the other participant's display fields
const listQuery = `
	SELECT c.id, c.participant_low, c.participant_high, c.created_by, c.created_at, c.updated_at,
	       lm.kind, lm.body, lm.is_deleted, lm.sender_id, lm.created_at,
	       (
	           SELECT COUNT(*)
	           FROM messages m
	           WHERE m.conversation_id = c.id
	             AND m.sender_id <> cp.profile_id
	             AND NOT m.is_deleted
	             AND (cp.last_read_at IS NULL OR m.created_at > cp.last_read_at)
	       ) AS unread_count,
	       other.id, COALESCE(p.display_name, ''), COALESCE(p.photo_url, '')
	FROM conversations c
	JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.profile_id = $1
	JOIN conversation_participants other ON other.conversation_id = c.id AND other.profile_id <> $1
	LEFT JOIN profiles p ON p.id = other.profile_id
	LEFT JOIN LATERAL (
	    SELECT kind, body, is_deleted, sender_id, created_at
	    FROM messages
	    WHERE conversation_id = c.id
	    ORDER BY created_at DESC, id DESC
	    LIMIT 1
	) lm ON true
`

// ListForViewer returns every conversation the viewer participates in
func (r *ConversationPostgres) ListForViewer(ctx context.Context, viewerID string) ([]entity.Conversation, error) {
	rows, err := r.pool.Query(ctx, listQuery+" ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id", viewerID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []entity.Conversation
	for rows.Next() {
		conv, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return conversations, nil
}

// GetForViewer returns one conversation as the viewer sees it in the list
func (r *ConversationPostgres) GetForViewer(ctx context.Context, viewerID, conversationID string) (*entity.Conversation, error) {
	row := r.pool.QueryRow(ctx, listQuery+" WHERE c.id = $2", viewerID, conversationID)
	conv, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// ListIDsForViewer returns the ids of the viewer's conversations
func (r *ConversationPostgres) ListIDsForViewer(ctx context.Context, viewerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT conversation_id FROM conversation_participants WHERE profile_id = $1",
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversation ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting conversation ids: %w", err)
	}
	return ids, nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	query := `
		SELECT id, participant_low, participant_high, created_by, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	return r.scanConversation(r.pool.QueryRow(ctx, query, id))
}

// GetByPair retrieves the conversation between two profiles
func (r *ConversationPostgres) GetByPair(ctx context.Context, a, b string) (*entity.Conversation, error) {
	low, high := entity.ParticipantPair(a, b)
	query := `
		SELECT id, participant_low, participant_high, created_by, created_at, updated_at
		FROM conversations
		WHERE participant_low = $1 AND participant_high = $2
	`
	return r.scanConversation(r.pool.QueryRow(ctx, query, low, high))
}

// Create inserts the conversation and its participants. When the pair already
// has a conversation nothing is written and created is false.
func (r *ConversationPostgres) Create(ctx context.Context, conv *entity.Conversation) (created bool, err error) {
	if len(conv.ParticipantIDs) != 2 {
		return false, fmt.Errorf("conversation needs exactly two participants, got %d", len(conv.ParticipantIDs))
	}
	low, high := entity.ParticipantPair(conv.ParticipantIDs[0], conv.ParticipantIDs[1])

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, participant_low, participant_high, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (participant_low, participant_high) DO NOTHING
		`, conv.ID, low, high, conv.CreatedBy, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true

		batch := &pgx.Batch{}
		for _, profileID := range []string{low, high} {
			batch.Queue(
				"INSERT INTO conversation_participants (conversation_id, profile_id) VALUES ($1, $2)",
				conv.ID, profileID,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

// IsParticipant reports whether profileID belongs to the conversation
func (r *ConversationPostgres) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND profile_id = $2
		)
	`, conversationID, profileID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return ok, nil
}

// MarkRead records that profileID has read everything up to at
func (r *ConversationPostgres) MarkRead(ctx context.Context, conversationID, profileID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
		WHERE conversation_id = $1 AND profile_id = $2
	`, conversationID, profileID, at)
	if err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	return nil
}

// Touch bumps updated_at after a message change
func (r *ConversationPostgres) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// scanConversation scans a single conversation row
func (r *ConversationPostgres) scanConversation(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	var low, high string

	err := row.Scan(&conv.ID, &low, &high, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.ParticipantIDs = []string{low, high}
	return &conv, nil
}

// scanSummary scans a listQuery row
func scanSummary(row pgx.Row) (*entity.Conversation, error) {
	var (
		conv        entity.Conversation
		low, high   string
		lastKind    *string
		lastBody    *string
		lastDeleted *bool
		lastSender  *string
		lastAt      *time.Time
		other       entity.Participant
	)

	err := row.Scan(
		&conv.ID,
		&low,
		&high,
		&conv.CreatedBy,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&lastKind,
		&lastBody,
		&lastDeleted,
		&lastSender,
		&lastAt,
		&conv.UnreadCount,
		&other.ID,
		&other.DisplayName,
		&other.PhotoURL,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning conversation row: %w", err)
	}

	conv.ParticipantIDs = []string{low, high}
	conv.Participants = []entity.Participant{other}

	if lastAt != nil {
		last := entity.Message{
			Kind:      entity.MessageKind(deref(lastKind)),
			Body:      deref(lastBody),
			IsDeleted: lastDeleted != nil && *lastDeleted,
		}
		conv.LastMessagePreview = last.Preview()
		conv.LastMessageSenderID = deref(lastSender)
		conv.LastMessageAt = lastAt
	}

	return &conv, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
