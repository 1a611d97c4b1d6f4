package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentKey(t *testing.T) {
	assert.Equal(t, "attachments/abc", AttachmentKey("abc"))
	assert.NoError(t, ValidateKey(AttachmentKey("abc")))
}

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("attachments/abc.jpg"))

	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b", "a//b", `a\b`, "a/./b"} {
		assert.Error(t, ValidateKey(key), key)
	}
}

func TestDirRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewDir(t.TempDir(), "https://files.example.com/")
	require.NoError(t, err)

	url, err := store.Put(ctx, "attachments/abc.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/attachments/abc.txt", url)

	rc, err := store.Get(ctx, "attachments/abc.txt")
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	require.NoError(t, store.Delete(ctx, "attachments/abc.txt"))
	require.NoError(t, store.Delete(ctx, "attachments/abc.txt"))

	_, err = store.Get(ctx, "attachments/abc.txt")
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestDirFileURLWithoutBase(t *testing.T) {
	store, err := NewDir(t.TempDir(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(store.URL("attachments/x.png"), "file://"))
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{}, zerolog.Nop())
	require.Error(t, err)

	store, err := NewS3(S3Config{Bucket: "cars", PublicURL: "https://cdn.example.com/"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/attachments/a.png", store.URL("attachments/a.png"))
}
