package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
)

func TestQueryServiceHidesAdminOnlyThreadsFromMods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	private, err := f.categories.Create(ctx, dto.CategoryCreateRequest{GuildID: "g1", Name: "Staff", Emoji: "🔒", ChannelID: "100", Private: true})
	require.NoError(t, err)
	thread := f.openThread(t, alice, private)

	_, err = f.query.GetThread(ctx, thread.ID, models.RoleMod)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.query.ThreadByChannel(ctx, thread.ChannelID, models.RoleMod)
	require.ErrorIs(t, err, ErrForbidden)

	list, err := f.query.ListThreads(ctx, private.ID, models.RoleMod, dto.ThreadListQuery{})
	require.NoError(t, err)
	require.Empty(t, list.Items)

	list, err = f.query.ListThreads(ctx, private.ID, models.RoleAdmin, dto.ThreadListQuery{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.EqualValues(t, 1, list.Pagination.TotalItems)
	require.Equal(t, 1, list.Pagination.TotalPages)

	resp, err := f.query.GetThread(ctx, thread.ID, models.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, thread.ChannelID, resp.ChannelID)
}

func TestQueryServicePagesMessagesWithEditsAndFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	support := f.createCategory(t, "g1", "Support", "🛟", "100")
	thread := f.openThread(t, alice, support)
	seedConversation(t, f, thread.ID)

	first, err := f.query.ListMessages(ctx, thread.ID, models.RoleMod, dto.MessageListQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	require.EqualValues(t, 5, first.Total)
	require.NotZero(t, first.NextAfter)

	require.Equal(t, "first", first.Items[0].Content)
	require.Len(t, first.Items[0].Edits, 1)
	require.Equal(t, "first, edited", first.Items[0].Edits[0].After)
	require.Len(t, first.Items[1].Attachments, 1)
	require.Equal(t, "image", first.Items[1].Attachments[0].Kind)
	require.Empty(t, first.Items[2].Attachments)
	require.Equal(t, staffer.ID, first.Items[2].SenderID)

	rest, err := f.query.ListMessages(ctx, thread.ID, models.RoleMod, dto.MessageListQuery{After: first.NextAfter, Limit: 3})
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	require.True(t, rest.Items[0].IsInternal)
	require.Zero(t, rest.NextAfter)
	require.Greater(t, rest.Items[0].Position, first.Items[2].Position)
}

func TestQueryServiceSanitisesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	support := f.createCategory(t, "g1", "Support", "🛟", "100")
	thread := f.openThread(t, alice, support)

	_, err := f.relay.RelayFromUser(ctx, UserMessage{ThreadID: thread.ID, Author: alice, MessageID: "u1", Content: `<script>alert(1)</script>hi`})
	require.NoError(t, err)

	page, err := f.query.ListMessages(ctx, thread.ID, models.RoleMod, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Equal(t, "hi", page.Items[0].Content)
}

func TestQueryServiceListsActiveCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	support := f.createCategory(t, "g1", "Support", "🛟", "100")
	appeals := f.createCategory(t, "g2", "Appeals", "📮", "200")
	require.NoError(t, f.categories.Deactivate(ctx, appeals.ID))

	categories, err := f.query.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 1)
	require.Equal(t, support.ID, categories[0].ID)
	require.Equal(t, "100", categories[0].ChannelID)
}
