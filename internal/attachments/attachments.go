// Package attachments manages user-supplied files attached to messages.
// Files are copied into a per-message subdirectory under the conversation
// directory with collision-safe naming, and converted to outbound message
// parts on demand.
package attachments

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/client"
	"github.com/haasonsaas/loom/internal/persist"
	"github.com/haasonsaas/loom/pkg/models"
)

// Manager copies attachment files into one conversation's directory.
type Manager struct {
	conversationDir string
	logger          *slog.Logger
}

// NewManager creates a manager rooted at a conversation directory.
func NewManager(conversationDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conversationDir: conversationDir,
		logger:          logger.With("component", "attachments"),
	}
}

// CopyFile copies sourcePath into the message's attachment directory and
// returns the attachment metadata. When the destination name is taken the
// name gets an " (n)" suffix before the extension, with n incrementing
// until a free name is found.
func (m *Manager) CopyFile(sourcePath string, messageID uuid.UUID) (*models.Attachment, error) {
	dir := filepath.Join(m.conversationDir, persist.AttachmentsDir, messageID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachments: create dir: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("attachments: open source: %w", err)
	}
	defer src.Close()

	name := collisionSafeName(dir, filepath.Base(sourcePath))
	destPath := filepath.Join(dir, name)

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("attachments: create destination: %w", err)
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(destPath)
		return nil, fmt.Errorf("attachments: copy: %w", err)
	}
	if err := dest.Close(); err != nil {
		return nil, fmt.Errorf("attachments: close destination: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("attachments: stat destination: %w", err)
	}

	mimeType, err := detectMimeType(destPath)
	if err != nil {
		m.logger.Warn("mime detection failed", "file", name, "error", err)
		mimeType = "application/octet-stream"
	}

	return &models.Attachment{
		ID:       uuid.New(),
		Path:     destPath,
		FileName: name,
		MimeType: mimeType,
		FileSize: info.Size(),
	}, nil
}

// Resolve converts a persisted relative path back to an absolute path
// within this conversation's directory.
func (m *Manager) Resolve(relativePath string) string {
	return filepath.Join(m.conversationDir, filepath.FromSlash(relativePath))
}

// RelativePath returns the attachment's path relative to the conversation
// directory, in slash form for the manifests.
func (m *Manager) RelativePath(att *models.Attachment) (string, error) {
	rel, err := filepath.Rel(m.conversationDir, att.Path)
	if err != nil {
		return "", fmt.Errorf("attachments: relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Part reads the attachment's bytes and builds the outbound message part.
// Images and PDFs map to their native part kinds; everything else is a
// generic file part.
func (m *Manager) Part(att *models.Attachment) (client.Part, error) {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return client.Part{}, fmt.Errorf("attachments: read %s: %w", att.FileName, err)
	}

	part := client.Part{
		SourcePath: att.Path,
		FileName:   att.FileName,
		MimeType:   att.MimeType,
		Data:       data,
	}
	switch {
	case strings.HasPrefix(att.MimeType, "image/"):
		part.Type = client.PartImage
	case att.MimeType == "application/pdf":
		part.Type = client.PartDocument
	default:
		part.Type = client.PartFile
	}
	return part, nil
}

// collisionSafeName returns base if unused in dir, otherwise the first
// "name (n).ext" variant that is free. The walk is bounded by the number
// of existing files plus one, so it always terminates.
func collisionSafeName(dir, base string) string {
	if !exists(filepath.Join(dir, base)) {
		return base
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !exists(filepath.Join(dir, candidate)) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// detectMimeType infers a MIME type from the file extension, falling back
// to content sniffing.
func detectMimeType(path string) (string, error) {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	if err != nil {
		return "application/octet-stream", nil
	}
	return mediaType, nil
}
