package bot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/models"
)

func TestDecoderAcceptsDirectMessage(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	event, err := decoder.Decode([]byte(`{
		"type": "message_create",
		"channel_id": "dm-1",
		"message_id": "m-1",
		"content": "help me",
		"author": {"id": "1001", "name": "Alice"},
		"attachments": [{"name": "a.png", "url": "https://cdn.example/a.png", "content_type": "image/png", "size": 12}]
	}`))
	require.NoError(t, err)
	require.True(t, event.IsDirect())
	require.Equal(t, "dm:dm-1", event.Key())
	require.Equal(t, "Alice", event.Person().Name)

	refs := event.AttachmentRefs()
	require.Len(t, refs, 1)
	require.Equal(t, "image/png", refs[0].ContentType)
	require.EqualValues(t, 12, refs[0].Size)
}

func TestDecoderAcceptsGuildMessageWithRole(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	event, err := decoder.Decode([]byte(`{
		"type": "message_create",
		"guild_id": "g1",
		"channel_id": "ch-1",
		"message_id": "m-2",
		"content": "=reply hi",
		"author": {"id": "2001", "name": "Sam"},
		"member": {"role": "mod", "role_name": "Moderator"}
	}`))
	require.NoError(t, err)
	require.False(t, event.IsDirect())
	require.Equal(t, "channel:ch-1", event.Key())
	require.Equal(t, models.RoleMod, event.Member.Role)
	require.Equal(t, "Moderator", event.Person().RoleName)
}

func TestDecoderRejectsInvalidEvents(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	payloads := map[string]string{
		"not json":            `{`,
		"unknown type":        `{"type": "typing_start", "channel_id": "c"}`,
		"missing channel":     `{"type": "message_delete", "message_id": "m"}`,
		"create sans author":  `{"type": "message_create", "channel_id": "c", "message_id": "m"}`,
		"reaction sans emoji": `{"type": "reaction_add", "channel_id": "c", "message_id": "m", "author": {"id": "1"}}`,
		"bad role":            `{"type": "message_create", "guild_id": "g", "channel_id": "c", "message_id": "m", "author": {"id": "1"}, "member": {"role": "owner"}}`,
	}
	for name, payload := range payloads {
		_, err := decoder.Decode([]byte(payload))
		require.ErrorIs(t, err, ErrInvalidEvent, name)
	}
}

func TestDirectEventsShareChannelKey(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	created, err := decoder.Decode([]byte(`{"type": "message_create", "channel_id": "dm-9", "message_id": "m", "content": "hi", "author": {"id": "1001"}}`))
	require.NoError(t, err)
	deleted, err := decoder.Decode([]byte(`{"type": "message_delete", "channel_id": "dm-9", "message_id": "m"}`))
	require.NoError(t, err)

	require.Equal(t, "dm:dm-9", created.Key())
	require.Equal(t, created.Key(), deleted.Key())
	require.Empty(t, deleted.Person().ID)
	require.Nil(t, deleted.AttachmentRefs())
}
