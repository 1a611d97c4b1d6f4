package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carchat/blob"
	"carchat/models"
	"carchat/storage"
)

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    atomic.Int32
	gets    atomic.Int32
	putErr  error
	getWait chan struct{}
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (m *memoryBlobs) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	m.puts.Add(1)
	if m.putErr != nil {
		return "", m.putErr
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = raw
	m.mu.Unlock()
	return "https://blobs.example.com/" + key, nil
}

func (m *memoryBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.gets.Add(1)
	if m.getWait != nil {
		<-m.getWait
	}
	m.mu.Lock()
	raw, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memoryBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func newTestPipeline(t *testing.T, blobs blob.Store, maxSize int64) (*Pipeline, *storage.Store) {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline, err := NewPipeline(blobs, store, t.TempDir(), maxSize, zerolog.Nop())
	require.NoError(t, err)
	return pipeline, store
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestPrepareUploadsOncePerHash(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, store := newTestPipeline(t, blobs, 0)

	att, err := pipeline.Prepare(ctx, "front.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, sha("jpeg-bytes"), att.Hash)
	assert.Equal(t, int64(len("jpeg-bytes")), att.Size)
	assert.Equal(t, models.AttachmentImage, att.Type)
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.Equal(t, "https://blobs.example.com/attachments/"+att.Hash, att.URL)

	again, err := pipeline.Prepare(ctx, "copy.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, att.URL, again.URL)
	assert.EqualValues(t, 1, blobs.puts.Load())

	entry, err := store.GetDownloadedFile(ctx, att.Hash)
	require.NoError(t, err)
	_, err = os.Stat(entry.LocalPath)
	require.NoError(t, err)
}

func TestPrepareReuploadsWhenCacheFileVanished(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, store := newTestPipeline(t, blobs, 0)

	att, err := pipeline.Prepare(ctx, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	entry, err := store.GetDownloadedFile(ctx, att.Hash)
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.LocalPath))

	_, err = pipeline.Prepare(ctx, "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, blobs.puts.Load())
}

func TestPrepareRejectsOversizedAndEmpty(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, _ := newTestPipeline(t, blobs, 4)

	_, err := pipeline.Prepare(ctx, "big.bin", strings.NewReader("12345"))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = pipeline.Prepare(ctx, "empty.bin", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	assert.EqualValues(t, 0, blobs.puts.Load())
}

func TestPrepareReturnsUploadError(t *testing.T) {
	blobs := newMemoryBlobs()
	blobs.putErr = errors.New("bucket unavailable")
	pipeline, _ := newTestPipeline(t, blobs, 0)

	_, err := pipeline.Prepare(context.Background(), "a.png", strings.NewReader("png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestFetchDownloadsOnceAndVerifiesHash(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, _ := newTestPipeline(t, blobs, 0)

	hash := sha("video-bytes")
	blobs.objects[blob.AttachmentKey(hash)] = []byte("video-bytes")
	att := models.Attachment{Hash: hash, Name: "clip.mp4", ContentType: "video/mp4", URL: "https://blobs.example.com/x"}

	blobs.getWait = make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*models.DownloadedFile, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			file, err := pipeline.Fetch(ctx, att)
			assert.NoError(t, err)
			results[i] = file
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(blobs.getWait)
	wg.Wait()

	assert.EqualValues(t, 1, blobs.gets.Load())
	for _, file := range results {
		require.NotNil(t, file)
		raw, err := os.ReadFile(file.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, "video-bytes", string(raw))
	}

	_, err := pipeline.Fetch(ctx, att)
	require.NoError(t, err)
	assert.EqualValues(t, 1, blobs.gets.Load())
}

func TestFetchRejectsTamperedContent(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, store := newTestPipeline(t, blobs, 0)

	hash := sha("original")
	blobs.objects[blob.AttachmentKey(hash)] = []byte("tampered")

	_, err := pipeline.Fetch(ctx, models.Attachment{Hash: hash, Name: "doc.pdf"})
	assert.ErrorIs(t, err, ErrHashMismatch)

	_, err = store.GetDownloadedFile(ctx, hash)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = pipeline.Fetch(ctx, models.Attachment{Hash: "../../etc/passwd", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestEvictRemovesLocalCopy(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, store := newTestPipeline(t, blobs, 0)

	att, err := pipeline.Prepare(ctx, "a.txt", strings.NewReader("evict me"))
	require.NoError(t, err)
	entry, err := store.GetDownloadedFile(ctx, att.Hash)
	require.NoError(t, err)

	require.NoError(t, pipeline.Evict(ctx, att.Hash))
	_, err = os.Stat(entry.LocalPath)
	assert.True(t, os.IsNotExist(err))

	file, err := pipeline.Fetch(ctx, *att)
	require.NoError(t, err)
	assert.Equal(t, att.Hash, file.Hash)
	assert.EqualValues(t, 1, blobs.gets.Load())
}

func TestFetchAfterEvictFindsContentSentUnderAnotherName(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, _ := newTestPipeline(t, blobs, 0)

	first, err := pipeline.Prepare(ctx, "front.jpg", strings.NewReader("same-bytes"))
	require.NoError(t, err)
	second, err := pipeline.Prepare(ctx, "front.png", strings.NewReader("same-bytes"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, blobs.puts.Load())
	assert.Equal(t, first.URL, second.URL)

	require.NoError(t, pipeline.Evict(ctx, second.Hash))

	file, err := pipeline.Fetch(ctx, *second)
	require.NoError(t, err)
	assert.Equal(t, "front.png", file.Name)
	raw, err := os.ReadFile(file.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "same-bytes", string(raw))

	cached, err := pipeline.Fetch(ctx, *first)
	require.NoError(t, err)
	assert.Equal(t, "front.jpg", cached.Name)
	assert.Equal(t, "image/jpeg", cached.ContentType)
	assert.EqualValues(t, 1, blobs.gets.Load())
}

func TestPurgeRemovesBlobAndCache(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	pipeline, _ := newTestPipeline(t, blobs, 0)

	att, err := pipeline.Prepare(ctx, "plate.jpg", strings.NewReader("plate-bytes"))
	require.NoError(t, err)

	cached, err := pipeline.Cached(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, att.Hash, cached[0].Hash)

	require.NoError(t, pipeline.Purge(ctx, att.Hash))

	cached, err = pipeline.Cached(ctx)
	require.NoError(t, err)
	assert.Empty(t, cached)

	_, err = pipeline.Fetch(ctx, *att)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	require.NoError(t, pipeline.Purge(ctx, att.Hash))
	assert.ErrorIs(t, pipeline.Purge(ctx, "nope"), ErrInvalidHash)
}
