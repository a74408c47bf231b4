package repository

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/models"
)

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) Next() int64 {
	return s.next.Add(1)
}

func setupModmailTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Category{}, &models.Thread{}, &models.Message{}, &models.Edit{}, &models.Attachment{}, &models.Mute{}, &models.StandardReply{}))
	return db
}

func TestCategoryRepositoryEnforcesActiveUniqueness(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewCategoryRepository(db, &sequenceIDs{})
	ctx := context.Background()

	channel := "100"
	support := models.Category{Name: "Support", Emoji: "🛟", GuildID: "g1", ChannelID: &channel}
	require.NoError(t, repo.Create(ctx, &support))
	require.NotZero(t, support.ID)
	require.True(t, support.IsActive)

	sameGuild := models.Category{Name: "Other", Emoji: "📮", GuildID: "g1"}
	require.ErrorIs(t, repo.Create(ctx, &sameGuild), ErrDuplicate)

	sameEmoji := models.Category{Name: "Appeals", Emoji: "🛟", GuildID: "g2"}
	require.ErrorIs(t, repo.Create(ctx, &sameEmoji), ErrDuplicate)

	sameName := models.Category{Name: "support", Emoji: "📮", GuildID: "g2"}
	require.ErrorIs(t, repo.Create(ctx, &sameName), ErrDuplicate)

	found, err := repo.GetActiveByEmoji(ctx, "🛟")
	require.NoError(t, err)
	require.Equal(t, support.ID, found.ID)

	found, err = repo.GetActiveByName(ctx, "SUPPORT")
	require.NoError(t, err)
	require.Equal(t, support.ID, found.ID)
}

func TestCategoryRepositoryDeactivateAndReactivate(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewCategoryRepository(db, &sequenceIDs{})
	ctx := context.Background()

	channel := "100"
	support := models.Category{Name: "Support", Emoji: "🛟", GuildID: "g1", ChannelID: &channel}
	require.NoError(t, repo.Create(ctx, &support))

	require.NoError(t, repo.Deactivate(ctx, support.ID))

	stored, err := repo.GetByID(ctx, support.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)
	require.Nil(t, stored.ChannelID)

	_, err = repo.GetActiveByGuild(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound)

	// The guild is free again, so a replacement blocks reactivation.
	replacement := models.Category{Name: "Support v2", Emoji: "📮", GuildID: "g1"}
	require.NoError(t, repo.Create(ctx, &replacement))
	require.ErrorIs(t, repo.Reactivate(ctx, support.ID, "200"), ErrDuplicate)

	require.NoError(t, repo.Deactivate(ctx, replacement.ID))
	require.NoError(t, repo.Reactivate(ctx, support.ID, "200"))

	stored, err = repo.GetByID(ctx, support.ID)
	require.NoError(t, err)
	require.True(t, stored.IsActive)
	require.Equal(t, "200", *stored.ChannelID)

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.ErrorIs(t, repo.SetPrivate(ctx, 999, true), ErrNotFound)
}

func TestThreadRepositoryAllowsOneOpenThreadPerUser(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewThreadRepository(db, &sequenceIDs{})
	ctx := context.Background()

	first := models.Thread{AuthorID: "u1", CategoryID: 1, ChannelID: "c1"}
	require.NoError(t, repo.Create(ctx, &first))
	require.True(t, first.IsOpen)

	second := models.Thread{AuthorID: "u1", CategoryID: 1, ChannelID: "c2"}
	require.ErrorIs(t, repo.Create(ctx, &second), ErrDuplicate)

	sameChannel := models.Thread{AuthorID: "u2", CategoryID: 1, ChannelID: "c1"}
	require.ErrorIs(t, repo.Create(ctx, &sameChannel), ErrDuplicate)

	found, err := repo.FindOpenByAuthor(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)

	require.NoError(t, repo.Close(ctx, first.ID, time.Now().UTC()))
	require.ErrorIs(t, repo.Close(ctx, first.ID, time.Now().UTC()), ErrNotFound)

	_, err = repo.FindOpenByChannel(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Create(ctx, &second))

	count, err := repo.CountByAuthor(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestThreadRepositoryUpdatePointersKeepsIdentity(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewThreadRepository(db, &sequenceIDs{})
	ctx := context.Background()

	thread := models.Thread{AuthorID: "u1", CategoryID: 1, ChannelID: "c1"}
	require.NoError(t, repo.Create(ctx, &thread))

	require.NoError(t, repo.UpdatePointers(ctx, thread.ID, 2, "c2", true))

	moved, err := repo.FindOpenByChannel(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, thread.ID, moved.ID)
	require.Equal(t, int64(2), moved.CategoryID)
	require.True(t, moved.IsAdminOnly)
	require.WithinDuration(t, thread.CreatedAt, moved.CreatedAt, time.Second)

	require.NoError(t, repo.Close(ctx, thread.ID, time.Now().UTC()))
	require.ErrorIs(t, repo.UpdatePointers(ctx, thread.ID, 3, "c3", false), ErrNotFound)
}

func TestThreadRepositoryListByCategoryHidesAdminOnly(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewThreadRepository(db, &sequenceIDs{})
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Thread{AuthorID: "u1", CategoryID: 1, ChannelID: "c1"}))
	require.NoError(t, repo.Create(ctx, &models.Thread{AuthorID: "u2", CategoryID: 1, ChannelID: "c2", IsAdminOnly: true}))
	require.NoError(t, repo.Create(ctx, &models.Thread{AuthorID: "u3", CategoryID: 2, ChannelID: "c3"}))

	threads, total, err := repo.ListByCategory(ctx, ThreadFilter{CategoryID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, threads, 1)
	require.Equal(t, "u1", threads[0].AuthorID)

	threads, total, err = repo.ListByCategory(ctx, ThreadFilter{CategoryID: 1, IncludeAdminOnly: true, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, threads, 1)
	require.Equal(t, "u2", threads[0].AuthorID, "newest thread first")
}

func TestMessageRepositoryOrdersByPosition(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewMessageRepository(db, &sequenceIDs{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := models.Message{ThreadID: 7, OriginID: fmt.Sprintf("o%d", i), MirrorID: fmt.Sprintf("m%d", i), SenderID: "u1", Content: fmt.Sprintf("msg %d", i)}
		require.NoError(t, repo.Create(ctx, &msg))
		require.Equal(t, msg.ID, msg.Position)
	}

	all, err := repo.ListAll(ctx, 7)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Position, all[i].Position)
	}

	page, err := repo.ListByThread(ctx, 7, all[1].Position, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "msg 2", page[0].Content)
	require.Equal(t, "msg 3", page[1].Content)

	byMirror, err := repo.FindByPlatformID(ctx, "m3")
	require.NoError(t, err)
	require.Equal(t, "msg 3", byMirror.Content)

	byOrigin, err := repo.FindByPlatformID(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "msg 1", byOrigin.Content)

	last, err := repo.LastFrom(ctx, 7, "u1")
	require.NoError(t, err)
	require.Equal(t, "msg 4", last.Content)

	require.NoError(t, repo.MarkDeleted(ctx, last.ID))
	last, err = repo.LastFrom(ctx, 7, "u1")
	require.NoError(t, err)
	require.Equal(t, "msg 3", last.Content)

	count, err := repo.CountByThread(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(5), count, "deleted messages stay as history")
}

func TestEditAndAttachmentRepositoriesBatchByMessage(t *testing.T) {
	db := setupModmailTestDB(t)
	ids := &sequenceIDs{}
	edits := NewEditRepository(db, ids)
	attachments := NewAttachmentRepository(db, ids)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, edits.Append(ctx, &models.Edit{MessageID: 1, Before: "a", After: "b", EditedAt: now}))
	require.NoError(t, edits.Append(ctx, &models.Edit{MessageID: 1, Before: "b", After: "c", EditedAt: now.Add(time.Second)}))
	require.NoError(t, edits.Append(ctx, &models.Edit{MessageID: 2, Before: "x", After: "y", EditedAt: now}))

	listed, err := edits.ListByMessages(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.Equal(t, "a", listed[0].Before)

	none, err := edits.ListByMessages(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, attachments.Create(ctx, &models.Attachment{MessageID: 1, Kind: models.FileKindImage, Name: "cat.png", SourceURL: "https://cdn/cat.png", MirrorID: "mm1"}))
	files, err := attachments.ListByMessages(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, models.FileKindImage, files[0].Kind)

	byMirror, err := attachments.GetByMirrorID(ctx, "mm1")
	require.NoError(t, err)
	require.Equal(t, "cat.png", byMirror.Name)
}

func TestMuteRepositoryUsesAbsoluteExpiry(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewMuteRepository(db, &sequenceIDs{})
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &models.Mute{UserID: "u1", CategoryID: 1, Till: now.Add(time.Hour)}, now))
	require.ErrorIs(t, repo.Create(ctx, &models.Mute{UserID: "u1", CategoryID: 1, Till: now.Add(2 * time.Hour)}, now), ErrDuplicate)

	_, err := repo.FindActive(ctx, "u1", 1, now.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = repo.FindActive(ctx, "u1", 1, now.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindActive(ctx, "u1", 2, now)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Lift(ctx, "u1", 1, now))
	_, err = repo.FindActive(ctx, "u1", 1, now)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, repo.Lift(ctx, "u1", 1, now), ErrNotFound)
}

func TestUserRepositoryEnsureIsIdempotent(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewUserRepository(db)

	require.NoError(t, repo.Ensure(context.Background(), "u1"))
	require.NoError(t, repo.Ensure(context.Background(), "u1"))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestStandardReplyRepositoryKeysByName(t *testing.T) {
	db := setupModmailTestDB(t)
	repo := NewStandardReplyRepository(db, &sequenceIDs{})
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.StandardReply{Name: "rules", Content: "Please read the rules."}))
	require.NoError(t, repo.Create(ctx, &models.StandardReply{Name: "appeal", Content: "Appeals take a week."}))
	require.ErrorIs(t, repo.Create(ctx, &models.StandardReply{Name: "rules", Content: "again"}), ErrDuplicate)

	found, err := repo.GetByName(ctx, "rules")
	require.NoError(t, err)
	require.Equal(t, "Please read the rules.", found.Content)

	_, err = repo.GetByName(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "appeal", all[0].Name)
}
