package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/domain/chat/chattest"
	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/service"
)

func newTestPolicy(t *testing.T) (*Policy, *entity.Conversation) {
	t.Helper()
	repos := chattest.NewRepos()
	svc := service.New(repos.Conversations(), repos.Messages(), &chattest.Publisher{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p := New(svc)

	conv, err := p.CreateOrGetConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	return p, conv
}

func TestPolicy_OutsiderIsRejected(t *testing.T) {
	p, conv := newTestPolicy(t)
	ctx := context.Background()

	_, err := p.FetchTranscript(ctx, "mallory", conv.ID, nil, 10)
	assert.ErrorIs(t, err, entity.ErrNotParticipant)

	_, err = p.SendMessage(ctx, "mallory", entity.Draft{ConversationID: conv.ID, Body: "hi"})
	assert.ErrorIs(t, err, entity.ErrNotParticipant)

	err = p.MarkRead(ctx, "mallory", conv.ID)
	assert.ErrorIs(t, err, entity.ErrNotParticipant)

	_, err = p.GetConversation(ctx, "mallory", conv.ID)
	assert.ErrorIs(t, err, entity.ErrNotParticipant)
}

func TestPolicy_UnknownConversation(t *testing.T) {
	p, _ := newTestPolicy(t)

	_, err := p.FetchTranscript(context.Background(), "alice", "missing", nil, 10)
	assert.ErrorIs(t, err, entity.ErrConversationNotFound)

	_, err = p.SendMessage(context.Background(), "alice", entity.Draft{Body: "hi"})
	assert.ErrorIs(t, err, entity.ErrConversationNotFound)
}

func TestPolicy_ViewerRequired(t *testing.T) {
	p, conv := newTestPolicy(t)

	_, err := p.ListConversations(context.Background(), "")
	assert.ErrorIs(t, err, entity.ErrProfileRequired)

	_, err = p.FetchTranscript(context.Background(), "", conv.ID, nil, 10)
	assert.ErrorIs(t, err, entity.ErrProfileRequired)
}

func TestPolicy_OnlySenderChangesMessage(t *testing.T) {
	p, conv := newTestPolicy(t)
	ctx := context.Background()

	msg, err := p.SendMessage(ctx, "alice", entity.Draft{ConversationID: conv.ID, Body: "hi"})
	require.NoError(t, err)

	_, err = p.EditMessage(ctx, "bob", msg.ID, "changed")
	assert.ErrorIs(t, err, entity.ErrNotSender)

	_, err = p.DeleteMessage(ctx, "bob", msg.ID)
	assert.ErrorIs(t, err, entity.ErrNotSender)

	edited, err := p.EditMessage(ctx, "alice", msg.ID, "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", edited.Body)
}

func TestPolicy_DeleteTwiceIsIdempotent(t *testing.T) {
	p, conv := newTestPolicy(t)
	ctx := context.Background()

	msg, err := p.SendMessage(ctx, "alice", entity.Draft{ConversationID: conv.ID, Body: "oops"})
	require.NoError(t, err)

	first, err := p.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, first.IsDeleted)

	second, err := p.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, second.IsDeleted)
	assert.Empty(t, second.Body)

	_, err = p.EditMessage(ctx, "alice", msg.ID, "back")
	assert.ErrorIs(t, err, entity.ErrMessageDeleted)
}

func TestPolicy_MembershipChecker(t *testing.T) {
	p, conv := newTestPolicy(t)

	ok, err := p.IsParticipant(context.Background(), conv.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsParticipant(context.Background(), conv.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := p.ListConversationIDs(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{conv.ID}, ids)
}

func TestPolicy_MarkReadClearsUnread(t *testing.T) {
	p, conv := newTestPolicy(t)
	ctx := context.Background()

	_, err := p.SendMessage(ctx, "bob", entity.Draft{ConversationID: conv.ID, Body: "ping"})
	require.NoError(t, err)

	got, err := p.GetConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, "ping", got.LastMessagePreview)

	require.NoError(t, p.MarkRead(ctx, "alice", conv.ID))

	got, err = p.GetConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
}
