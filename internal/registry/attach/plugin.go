package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Retrieve when no blob exists under the reference.
	ErrNotFound = errors.New("attachment not found")
	// ErrInvalidFilename is returned for references that are not store-issued names.
	ErrInvalidFilename = errors.New("invalid attachment filename")
)

// TooLargeError is returned by Store when the upload exceeds the size limit.
type TooLargeError struct {
	MaxSize int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file exceeds maximum size of %d bytes", e.MaxSize)
}

// AttachmentStore keeps message attachments. Blobs are scoped to a conversation
// and addressed by (conversation, kind, filename); messages hold only the filename.
type AttachmentStore interface {
	// Store writes data and returns the generated filename.
	Store(ctx context.Context, conversationID int64, kind model.AttachmentKind, originalName string, data io.Reader, maxSize int64) (string, error)
	Retrieve(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) (io.ReadCloser, error)
	// Release removes the blob. Releasing a missing blob succeeds.
	Release(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) error
}

// Loader creates an AttachmentStore from config.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}

var (
	extPattern      = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
	filenamePattern = regexp.MustCompile(`^[0-9a-f-]{36}(\.[a-z0-9]{1,10})?$`)
)

// NewFilename returns a fresh store-issued filename that keeps a sane extension
// from the uploaded name.
func NewFilename(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return uuid.NewString() + ext
}

// ObjectKey returns the conversation-scoped key of a blob, e.g. "42/image/<uuid>.png".
func ObjectKey(conversationID int64, kind model.AttachmentKind, filename string) (string, error) {
	if !filenamePattern.MatchString(filename) {
		return "", ErrInvalidFilename
	}
	if _, ok := model.ParseAttachmentKind(string(kind)); !ok {
		return "", fmt.Errorf("invalid attachment kind %q", kind)
	}
	return strconv.FormatInt(conversationID, 10) + "/" + string(kind) + "/" + filename, nil
}

// Spool copies at most maxSize bytes of data into a temp file under dir and
// rewinds it. The caller closes and removes the file.
func Spool(dir string, data io.Reader, maxSize int64) (*os.File, int64, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, 0, fmt.Errorf("create spool dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}
	fail := func(err error) (*os.File, int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, 0, err
	}
	n, err := io.Copy(tmp, io.LimitReader(data, maxSize+1))
	if err != nil {
		return fail(fmt.Errorf("buffer upload: %w", err))
	}
	if n > maxSize {
		return fail(&TooLargeError{MaxSize: maxSize})
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind spool file: %w", err))
	}
	return tmp, n, nil
}
