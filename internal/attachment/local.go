// ABOUTME: Attachment storage collaborator writing uploads to a local directory
// ABOUTME: Returns the descriptor the conversation stores; file bytes never enter the database

package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/store"
)

var (
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("attachment too large")
	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("attachment is empty")
)

// Storage persists an upload and describes where it lives.
type Storage interface {
	Save(ctx context.Context, name string, r io.Reader) (*store.Attachment, error)
}

// LocalStorage stores uploads as files named by random id under Dir and
// serves them below PublicBase.
type LocalStorage struct {
	dir        string
	publicBase string
	maxBytes   int64
	logger     *slog.Logger
}

// NewLocalStorage creates the directory if needed. Pass nil logger for default.
func NewLocalStorage(dir, publicBase string, maxBytes int64, logger *slog.Logger) (*LocalStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}
	if !strings.HasSuffix(publicBase, "/") {
		publicBase += "/"
	}
	return &LocalStorage{
		dir:        dir,
		publicBase: publicBase,
		maxBytes:   maxBytes,
		logger:     logger.With("component", "attachments"),
	}, nil
}

// Save writes r to disk. The MIME type is sniffed from content; the
// caller-supplied name is kept only as a display name.
func (s *LocalStorage) Save(ctx context.Context, name string, r io.Reader) (*store.Attachment, error) {
	name = displayName(name)

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, ErrEmpty
	}
	mimeType := sniff(head, name)

	id := uuid.New().String()
	file := id + strings.ToLower(filepath.Ext(name))
	path := filepath.Join(s.dir, file)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("creating attachment file: %w", err)
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	if s.maxBytes > 0 {
		body = io.LimitReader(body, s.maxBytes+1)
	}
	size, err := io.Copy(f, body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.maxBytes > 0 && size > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("writing attachment: %w", err)
	}

	s.logger.Debug("attachment stored", "file", file, "size", size, "mime_type", mimeType)
	return &store.Attachment{
		URL:      s.publicBase + file,
		Name:     name,
		MimeType: mimeType,
		Size:     size,
	}, nil
}

// Handler serves stored files. Mount it at the public base path.
func (s *LocalStorage) Handler() http.Handler {
	return http.StripPrefix(s.publicBase, http.FileServer(http.Dir(s.dir)))
}

// PublicBase returns the URL prefix files are served under.
func (s *LocalStorage) PublicBase() string {
	return s.publicBase
}

func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// sniff prefers content detection and falls back to the extension when the
// content is not recognised.
func sniff(head []byte, name string) string {
	detected := http.DetectContentType(head)
	if detected != "application/octet-stream" {
		return detected
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return detected
}

var _ Storage = (*LocalStorage)(nil)
