package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/models"
)

func TestMessageSentAnonymousHidesIdentity(t *testing.T) {
	staff := Person{ID: "s1", Name: "Alice", RoleName: "Moderators", AvatarURL: "https://cdn/a.png"}

	named := MessageSent("hello", staff, false, time.Now())
	require.Equal(t, "Alice", named.Author.Name)
	require.Equal(t, "Moderators", named.Footer)

	anon := MessageSent("hello", staff, true, time.Now())
	require.Equal(t, AnonymousLabel, anon.Author.Name)
	require.Empty(t, anon.Author.IconURL)
	require.Equal(t, AnonymousLabel, anon.Footer)
}

func TestEditsRenderFullChain(t *testing.T) {
	edits := []models.Edit{
		{Before: "helo", After: "hello"},
		{Before: "hello", After: "hello there"},
	}

	msg := EditsReceived(Person{ID: "u1", Name: "Bob"}, edits)
	require.Len(t, msg.Fields, 3)
	require.Equal(t, "Original", msg.Fields[0].Name)
	require.Equal(t, "helo", msg.Fields[0].Value)
	require.Equal(t, "hello there", msg.Description)
	require.Equal(t, ColorEdited, msg.Color)
}

func TestAttachmentRenderByKind(t *testing.T) {
	image := AttachmentReceived(models.Attachment{Kind: models.FileKindImage, Name: "cat.png", SourceURL: "https://cdn/cat.png"}, Person{ID: "u1"})
	require.Equal(t, "https://cdn/cat.png", image.ImageURL)
	require.Contains(t, image.Title, "cat.png")

	file := AttachmentSent(models.Attachment{Kind: models.FileKindFile, Name: "log.txt", SourceURL: "https://cdn/log.txt"}, Person{ID: "s1", Name: "Alice"}, true)
	require.Empty(t, file.ImageURL)
	require.Equal(t, "https://cdn/log.txt", file.Description)
	require.Equal(t, AnonymousLabel, file.Author.Name)
}

func TestLongContentIsClipped(t *testing.T) {
	msg := MessageReceived(strings.Repeat("a", maxDescription+10), Person{ID: "u1"}, time.Now())
	require.Len(t, []rune(msg.Description), maxDescription)
	require.True(t, strings.HasSuffix(msg.Description, "…"))
}

func TestThreadHeaderMarksForward(t *testing.T) {
	forwarder := Person{ID: "s1", Name: "Alice"}
	msg := ThreadHeader(Person{ID: "u1", Name: "Bob"}, "Appeals", 2, &forwarder)
	require.Equal(t, "Forwarded thread", msg.Title)
	require.Equal(t, "Alice", msg.Fields[len(msg.Fields)-1].Value)
}

func TestCategorySelectorListsEmojis(t *testing.T) {
	msg := CategorySelector([]models.Category{
		{Name: "Support", Emoji: "🛟", Description: "General help"},
		{Name: "Appeals", Emoji: "📮"},
	})
	require.Len(t, msg.Fields, 2)
	require.Equal(t, "🛟 Support", msg.Fields[0].Name)
	require.Equal(t, "General help", msg.Fields[0].Value)
	require.NotEmpty(t, msg.Fields[1].Value)
}
