package s3store

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/chirino/messenger-service/internal/model"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	"github.com/chirino/messenger-service/internal/testutil/tests3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3StoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	s := New(tests3.StartS3(t), tests3.Bucket, "/chat/", t.TempDir())

	name, err := s.Store(ctx, 3, model.AttachmentVoice, "note.ogg", strings.NewReader("audio-bytes"), 1024)
	require.NoError(t, err)

	r, err := s.Retrieve(ctx, 3, model.AttachmentVoice, name)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "audio-bytes", string(body))

	require.NoError(t, s.Release(ctx, 3, model.AttachmentVoice, name))
	require.NoError(t, s.Release(ctx, 3, model.AttachmentVoice, name))

	_, err = s.Retrieve(ctx, 3, model.AttachmentVoice, name)
	assert.ErrorIs(t, err, registryattach.ErrNotFound)

	_, err = s.Store(ctx, 3, model.AttachmentFile, "x.bin", strings.NewReader("too long"), 2)
	var tooLarge *registryattach.TooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}
