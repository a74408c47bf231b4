package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/platform"
)

// maxAttachmentBytes caps how much of a file is pulled into memory for
// sniffing and re-hosting. Larger files keep their platform URL.
const maxAttachmentBytes = 25 << 20

// FileStorage abstracts attachment re-hosting destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AttachmentRef is a file reference as received from the platform.
type AttachmentRef struct {
	Name        string `json:"name" validate:"required"`
	URL         string `json:"url" validate:"required,url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// AttachmentFailure records a file that could not be relayed.
type AttachmentFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type attachmentPreparer struct {
	platform platform.Platform
	storage  FileStorage
	logger   zerolog.Logger
}

// kindFromContentType classifies a declared MIME type. It reports false when
// nothing usable was declared.
func kindFromContentType(contentType string) (models.FileKind, bool) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" || contentType == "application/octet-stream" {
		return "", false
	}
	if strings.HasPrefix(contentType, "image/") {
		return models.FileKindImage, true
	}
	return models.FileKindFile, true
}

// prepare classifies the file and, when storage is configured, re-hosts it so
// the persisted URL outlives the platform CDN.
func (p attachmentPreparer) prepare(ctx context.Context, ref AttachmentRef) (models.Attachment, error) {
	att := models.Attachment{
		Name:      strings.TrimSpace(ref.Name),
		SourceURL: ref.URL,
		Meta:      datatypes.JSONMap{},
	}
	if att.Name == "" {
		att.Name = "file"
	}
	if ref.Size > 0 {
		att.Meta["size"] = ref.Size
	}

	kind, declared := kindFromContentType(ref.ContentType)
	att.Kind = kind
	if declared {
		att.Meta["content_type"] = ref.ContentType
	}
	if declared && p.storage == nil {
		return att, nil
	}

	body, err := p.platform.Download(ctx, ref.URL)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("download %s: %w", att.Name, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxAttachmentBytes+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read %s: %w", att.Name, err)
	}
	oversized := len(data) > maxAttachmentBytes
	if oversized {
		data = data[:maxAttachmentBytes]
		att.Meta["oversized"] = true
	}

	if !declared {
		detected := mimetype.Detect(data)
		att.Meta["content_type"] = detected.String()
		if strings.HasPrefix(detected.String(), "image/") {
			att.Kind = models.FileKindImage
		} else {
			att.Kind = models.FileKindFile
		}
	}

	if p.storage != nil && oversized {
		p.logger.Warn().Str("name", att.Name).Int("limit_bytes", maxAttachmentBytes).Msg("attachment too large to re-host, keeping platform url")
	} else if p.storage != nil {
		hosted, err := p.storage.Upload(ctx, att.Name, bytes.NewReader(data))
		if err != nil {
			p.logger.Warn().Err(err).Str("name", att.Name).Msg("attachment re-hosting failed, keeping platform url")
		} else {
			att.Meta["platform_url"] = ref.URL
			att.SourceURL = hosted
		}
	}

	return att, nil
}
