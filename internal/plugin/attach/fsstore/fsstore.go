package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name: "fs",
		Loader: func(ctx context.Context) (registryattach.AttachmentStore, error) {
			return New(config.FromContext(ctx).ResolvedAttachmentsDir())
		},
	})
}

// FSAttachmentStore keeps attachments on the local filesystem under
// <root>/<conversationID>/<kind>/<filename>.
type FSAttachmentStore struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*FSAttachmentStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("fsstore: create root %q: %w", root, err)
	}
	return &FSAttachmentStore{root: root}, nil
}

func (s *FSAttachmentStore) path(conversationID int64, kind model.AttachmentKind, filename string) (string, error) {
	key, err := registryattach.ObjectKey(conversationID, kind, filename)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FSAttachmentStore) Store(ctx context.Context, conversationID int64, kind model.AttachmentKind, originalName string, data io.Reader, maxSize int64) (string, error) {
	filename := registryattach.NewFilename(originalName)
	dst, err := s.path(conversationID, kind, filename)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(dst)
	tmp, _, err := registryattach.Spool(dir, data, maxSize)
	if err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("fsstore: close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("fsstore: publish file: %w", err)
	}
	return filename, nil
}

func (s *FSAttachmentStore) Retrieve(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) (io.ReadCloser, error) {
	p, err := s.path(conversationID, kind, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, registryattach.ErrNotFound
	}
	return f, err
}

func (s *FSAttachmentStore) Release(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) error {
	p, err := s.path(conversationID, kind, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsstore: remove %s: %w", filename, err)
	}
	return nil
}

var _ registryattach.AttachmentStore = (*FSAttachmentStore)(nil)
