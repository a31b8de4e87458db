package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCRUD(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	chat := &Chat{OwnerID: "owner-1", Title: "first"}
	require.NoError(t, client.CreateChat(ctx, chat))
	assert.NotEmpty(t, chat.ID)
	assert.False(t, chat.CreatedAt.IsZero())

	got, err := client.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "first", got.Title)
	assert.Nil(t, got.DefaultModelID)

	model := "claude-3-5-haiku"
	require.NoError(t, client.UpdateChatDefaultModel(ctx, chat.ID, &model))
	got, err = client.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DefaultModelID)
	assert.Equal(t, model, *got.DefaultModelID)

	require.NoError(t, client.SoftDeleteChat(ctx, chat.ID))
	got, err = client.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetChatMissing(t *testing.T) {
	client := newTestClient(t)

	chat, err := client.GetChat(context.Background(), "no-such-chat")
	require.NoError(t, err)
	assert.Nil(t, chat)
}

func TestListChatsOrdersByActivity(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	older := &Chat{OwnerID: "owner-1", Title: "older", CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, client.CreateChat(ctx, older))
	newer := &Chat{OwnerID: "owner-1", Title: "newer", CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	require.NoError(t, client.CreateChat(ctx, newer))
	other := &Chat{OwnerID: "owner-2", Title: "not mine"}
	require.NoError(t, client.CreateChat(ctx, other))

	chats, err := client.ListChats(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "newer", chats[0].Title)
	assert.Equal(t, "older", chats[1].Title)

	// A message landing on the old chat moves it to the top.
	require.NoError(t, client.TouchChat(ctx, older.ID, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)))
	chats, err = client.ListChats(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "older", chats[0].Title)

	require.NoError(t, client.SoftDeleteChat(ctx, newer.ID))
	chats, err = client.ListChats(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "older", chats[0].Title)
}

func TestUpdateChatDefaultModelMissingChat(t *testing.T) {
	client := newTestClient(t)

	model := "gpt-4o-mini"
	err := client.UpdateChatDefaultModel(context.Background(), "no-such-chat", &model)
	require.Error(t, err)
}
