package entity

import (
	"sort"
	"time"
)

// Conversation represents a one-to-one conversation between two profiles
type Conversation struct {
	ID                  string        `json:"id"`
	ParticipantIDs      []string      `json:"participant_ids"`
	Participants        []Participant `json:"participants,omitempty"`
	CreatedBy           string        `json:"created_by"`
	LastMessagePreview  string        `json:"last_message_preview,omitempty"`
	LastMessageSenderID string        `json:"last_message_sender_id,omitempty"`
	LastMessageAt       *time.Time    `json:"last_message_at,omitempty"`
	UnreadCount         int           `json:"unread_count"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Participant holds the denormalized display fields of a conversation member
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// HasParticipant reports whether profileID is one of the conversation members
func (c *Conversation) HasParticipant(profileID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == profileID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the member that is not viewerID
func (c *Conversation) OtherParticipant(viewerID string) string {
	for _, id := range c.ParticipantIDs {
		if id != viewerID {
			return id
		}
	}
	return ""
}

// ActivityAt is the timestamp used to order the conversation list
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// SortByActivity orders conversations most-recent-activity first.
// Ties are broken by ID so repeated sorts of the same set are stable.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].ActivityAt(), convs[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].ID < convs[j].ID
	})
}

// ParticipantPair returns the two profile ids in canonical order
func ParticipantPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
