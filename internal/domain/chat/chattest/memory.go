// Package chattest provides in-memory chat repositories for tests.
package chattest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

// Repos holds conversations, messages and read markers in memory and
// implements both chat repository interfaces through its two views
type Repos struct {
	mu       sync.Mutex
	convs    map[string]entity.Conversation
	messages map[string][]entity.Message
	readAt   map[string]time.Time
	profiles map[string]entity.Participant
}

// NewRepos creates empty repositories
func NewRepos() *Repos {
	return &Repos{
		convs:    make(map[string]entity.Conversation),
		messages: make(map[string][]entity.Message),
		readAt:   make(map[string]time.Time),
		profiles: make(map[string]entity.Participant),
	}
}

// Conversations returns the conversation repository view
func (r *Repos) Conversations() *Conversations { return &Conversations{r} }

// Messages returns the message repository view
func (r *Repos) Messages() *Messages { return &Messages{r} }

// AddProfile registers display fields for a profile
func (r *Repos) AddProfile(p entity.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
}

func readKey(conversationID, profileID string) string {
	return conversationID + "/" + profileID
}

// Conversations implements the conversation repository
type Conversations struct{ r *Repos }

func (c *Conversations) ListForViewer(ctx context.Context, viewerID string) ([]entity.Conversation, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	var out []entity.Conversation
	for _, conv := range c.r.convs {
		if conv.HasParticipant(viewerID) {
			out = append(out, c.r.summaryLocked(conv, viewerID))
		}
	}
	entity.SortByActivity(out)
	return out, nil
}

func (c *Conversations) GetForViewer(ctx context.Context, viewerID, id string) (*entity.Conversation, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	conv, ok := c.r.convs[id]
	if !ok || !conv.HasParticipant(viewerID) {
		return nil, nil
	}
	s := c.r.summaryLocked(conv, viewerID)
	return &s, nil
}

func (c *Conversations) ListIDsForViewer(ctx context.Context, viewerID string) ([]string, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	var ids []string
	for id, conv := range c.r.convs {
		if conv.HasParticipant(viewerID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (c *Conversations) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	conv, ok := c.r.convs[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (c *Conversations) GetByPair(ctx context.Context, a, b string) (*entity.Conversation, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.r.byPairLocked(a, b), nil
}

func (c *Conversations) Create(ctx context.Context, conv *entity.Conversation) (bool, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if c.r.byPairLocked(conv.ParticipantIDs[0], conv.ParticipantIDs[1]) != nil {
		return false, nil
	}
	c.r.convs[conv.ID] = *conv
	return true, nil
}

func (c *Conversations) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	conv, ok := c.r.convs[conversationID]
	return ok && conv.HasParticipant(profileID), nil
}

func (c *Conversations) MarkRead(ctx context.Context, conversationID, profileID string, at time.Time) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	key := readKey(conversationID, profileID)
	if prev, ok := c.r.readAt[key]; !ok || at.After(prev) {
		c.r.readAt[key] = at
	}
	return nil
}

func (c *Conversations) Touch(ctx context.Context, id string, at time.Time) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if conv, ok := c.r.convs[id]; ok {
		conv.UpdatedAt = at
		c.r.convs[id] = conv
	}
	return nil
}

func (r *Repos) byPairLocked(a, b string) *entity.Conversation {
	low, high := entity.ParticipantPair(a, b)
	for _, conv := range r.convs {
		if conv.ParticipantIDs[0] == low && conv.ParticipantIDs[1] == high {
			found := conv
			return &found
		}
	}
	return nil
}

func (r *Repos) summaryLocked(conv entity.Conversation, viewerID string) entity.Conversation {
	msgs := r.messages[conv.ID]
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		at := last.CreatedAt
		conv.LastMessageAt = &at
		conv.LastMessagePreview = last.Preview()
		conv.LastMessageSenderID = last.SenderID
	}

	readAt, hasRead := r.readAt[readKey(conv.ID, viewerID)]
	conv.UnreadCount = 0
	for _, m := range msgs {
		if m.SenderID == viewerID || m.IsDeleted {
			continue
		}
		if !hasRead || m.CreatedAt.After(readAt) {
			conv.UnreadCount++
		}
	}

	other := conv.OtherParticipant(viewerID)
	p, ok := r.profiles[other]
	if !ok {
		p = entity.Participant{ID: other}
	}
	conv.Participants = []entity.Participant{p}
	return conv
}

// Messages implements the message repository
type Messages struct{ r *Repos }

func (m *Messages) Create(ctx context.Context, msg *entity.Message) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.messages[msg.ConversationID] = append(m.r.messages[msg.ConversationID], *msg)
	return nil
}

func (m *Messages) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	if msg := m.r.findLocked(id); msg != nil {
		found := *msg
		return &found, nil
	}
	return nil, nil
}

func (m *Messages) ListPage(ctx context.Context, conversationID string, before *entity.PageCursor, limit int) ([]entity.Message, bool, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	var eligible []entity.Message
	for _, msg := range m.r.messages[conversationID] {
		if before == nil || msg.SortsBefore(*before) {
			eligible = append(eligible, msg)
		}
	}
	slices.SortStableFunc(eligible, func(a, b entity.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	hasMore := len(eligible) > limit
	if hasMore {
		eligible = eligible[len(eligible)-limit:]
	}
	return slices.Clone(eligible), hasMore, nil
}

func (m *Messages) UpdateBody(ctx context.Context, id, body string, editedAt time.Time) (*entity.Message, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	msg := m.r.findLocked(id)
	if msg == nil || msg.IsDeleted {
		return nil, nil
	}
	msg.Body = body
	msg.EditedAt = &editedAt
	out := *msg
	return &out, nil
}

func (m *Messages) SoftDelete(ctx context.Context, id string, at time.Time) (*entity.Message, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	msg := m.r.findLocked(id)
	if msg == nil {
		return nil, nil
	}
	msg.IsDeleted = true
	msg.EditedAt = &at
	out := *msg
	return &out, nil
}

func (r *Repos) findLocked(id string) *entity.Message {
	for cid := range r.messages {
		msgs := r.messages[cid]
		for i := range msgs {
			if msgs[i].ID == id {
				return &msgs[i]
			}
		}
	}
	return nil
}

// Publisher records published row events
type Publisher struct {
	mu     sync.Mutex
	events []broker.RawEvent
	Err    error
}

func (p *Publisher) Publish(ctx context.Context, ev broker.RawEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

// Events returns everything published so far
func (p *Publisher) Events() []broker.RawEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}
