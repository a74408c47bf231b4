package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)

	store, err := New(Config{CloudName: "demo", APIKey: "key", APISecret: "secret", Folder: "/modmail/attachments/"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "modmail/attachments", store.folder)
}

func TestResourceType(t *testing.T) {
	cases := map[string]string{
		"screenshot.PNG": "image",
		"clip.mp4":       "video",
		"log.txt":        "raw",
		"noext":          "raw",
	}
	for name, want := range cases {
		require.Equal(t, want, resourceType(name), name)
	}
}

func TestPublicID(t *testing.T) {
	at := time.Unix(0, 42)

	require.Equal(t, "error-log-42.txt", publicID("error log.txt", at))
	require.Equal(t, "photo-42", publicID("photo.jpg", at))
	require.Equal(t, "attachment-42", publicID("???", at))
	require.Equal(t, "passwd-42", publicID("../../etc/passwd", at))
}
