package service

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/models"
)

type storageStub struct {
	uploaded map[string][]byte
	err      error
}

func (s *storageStub) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[name] = data
	return "https://assets.example/" + name, nil
}

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func TestKindFromContentType(t *testing.T) {
	kind, ok := kindFromContentType("image/jpeg")
	require.True(t, ok)
	require.Equal(t, models.FileKindImage, kind)

	kind, ok = kindFromContentType("application/pdf")
	require.True(t, ok)
	require.Equal(t, models.FileKindFile, kind)

	_, ok = kindFromContentType("application/octet-stream")
	require.False(t, ok)
	_, ok = kindFromContentType("")
	require.False(t, ok)
}

func TestAttachmentPreparerSniffsUndeclaredFiles(t *testing.T) {
	stub := newPlatformStub()
	stub.files["https://cdn.example/blob"] = pngHeader
	preparer := attachmentPreparer{platform: stub, logger: zerolog.Nop()}

	att, err := preparer.prepare(context.Background(), AttachmentRef{Name: "blob", URL: "https://cdn.example/blob"})
	require.NoError(t, err)
	require.Equal(t, models.FileKindImage, att.Kind)
	require.Equal(t, "image/png", att.Meta["content_type"])
	require.Equal(t, "https://cdn.example/blob", att.SourceURL)
}

func TestAttachmentPreparerRehostsWhenStorageConfigured(t *testing.T) {
	stub := newPlatformStub()
	stub.files["https://cdn.example/report.pdf"] = []byte("%PDF-1.4 body")
	storage := &storageStub{}
	preparer := attachmentPreparer{platform: stub, storage: storage, logger: zerolog.Nop()}

	att, err := preparer.prepare(context.Background(), AttachmentRef{Name: "report.pdf", URL: "https://cdn.example/report.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, models.FileKindFile, att.Kind)
	require.Equal(t, "https://assets.example/report.pdf", att.SourceURL)
	require.Equal(t, "https://cdn.example/report.pdf", att.Meta["platform_url"])
	require.Equal(t, []byte("%PDF-1.4 body"), storage.uploaded["report.pdf"])
}

func TestAttachmentPreparerSkipsRehostingOversizedFiles(t *testing.T) {
	stub := newPlatformStub()
	stub.files["https://cdn.example/dump.bin"] = make([]byte, maxAttachmentBytes+1024)
	storage := &storageStub{}
	preparer := attachmentPreparer{platform: stub, storage: storage, logger: zerolog.Nop()}

	att, err := preparer.prepare(context.Background(), AttachmentRef{Name: "dump.bin", URL: "https://cdn.example/dump.bin", ContentType: "application/zip"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/dump.bin", att.SourceURL)
	require.Equal(t, true, att.Meta["oversized"])
	require.Empty(t, storage.uploaded)
}

func TestAttachmentPreparerKeepsPlatformURLWhenRehostFails(t *testing.T) {
	stub := newPlatformStub()
	stub.files["https://cdn.example/a.txt"] = []byte("hello")
	preparer := attachmentPreparer{platform: stub, storage: &storageStub{err: errors.New("quota")}, logger: zerolog.Nop()}

	att, err := preparer.prepare(context.Background(), AttachmentRef{Name: "a.txt", URL: "https://cdn.example/a.txt"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/a.txt", att.SourceURL)
	require.Equal(t, models.FileKindFile, att.Kind)
}

func TestAttachmentPreparerReportsDownloadFailure(t *testing.T) {
	stub := newPlatformStub()
	stub.failDownload = errors.New("cdn timeout")
	preparer := attachmentPreparer{platform: stub, logger: zerolog.Nop()}

	_, err := preparer.prepare(context.Background(), AttachmentRef{Name: "x", URL: "https://cdn.example/x"})
	require.ErrorContains(t, err, "cdn timeout")
}
