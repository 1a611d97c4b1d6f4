// Package attachment moves message attachments between clients, the blob
// store and a local content-addressed cache.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"carchat/blob"
	"carchat/models"
)

// DefaultMaxSize caps a single attachment.
const DefaultMaxSize int64 = 25 << 20

var (
	ErrTooLarge     = errors.New("attachment exceeds size limit")
	ErrEmpty        = errors.New("attachment is empty")
	ErrHashMismatch = errors.New("downloaded content does not match attachment hash")
	ErrInvalidHash  = errors.New("invalid attachment hash")
)

// Index is the local dedup index keyed by content hash.
type Index interface {
	SaveDownloadedFile(ctx context.Context, file models.DownloadedFile) error
	GetDownloadedFile(ctx context.Context, hash string) (*models.DownloadedFile, error)
	DeleteDownloadedFile(ctx context.Context, hash string) error
	ListDownloadedFiles(ctx context.Context) ([]models.DownloadedFile, error)
}

// Pipeline uploads and downloads attachments exactly once per content hash.
type Pipeline struct {
	blobs    blob.Store
	index    Index
	cacheDir string
	maxSize  int64
	log      zerolog.Logger

	fetches singleflight.Group
}

// NewPipeline creates the cache directory if needed.
func NewPipeline(blobs blob.Store, index Index, cacheDir string, maxSize int64, log zerolog.Logger) (*Pipeline, error) {
	if blobs == nil || index == nil {
		return nil, errors.New("blob store and index are required")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment cache: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pipeline{
		blobs:    blobs,
		index:    index,
		cacheDir: cacheDir,
		maxSize:  maxSize,
		log:      log,
	}, nil
}

// Prepare hashes r, reuses an earlier upload of the same content when the
// local index still has it, and otherwise uploads it. The returned attachment
// is ready to be referenced by a message.
func (p *Pipeline) Prepare(ctx context.Context, name string, r io.Reader) (*models.Attachment, error) {
	name = cleanName(name)

	staged, err := p.stage(r, "")
	if err != nil {
		return nil, err
	}
	defer staged.discard()

	contentType := detectContentType(name, staged.path)
	att := &models.Attachment{
		Type:        models.AttachmentTypeFor(contentType),
		Name:        name,
		ContentType: contentType,
		Size:        staged.size,
		Hash:        staged.hash,
	}

	if existing := p.lookup(ctx, staged.hash); existing != nil && existing.URL != "" {
		p.log.Debug().Str("hash", staged.hash).Msg("attachment already uploaded, reusing")
		att.URL = existing.URL
		return att, nil
	}

	f, err := os.Open(staged.path)
	if err != nil {
		return nil, fmt.Errorf("reopen staged attachment: %w", err)
	}
	url, err := p.blobs.Put(ctx, blob.AttachmentKey(staged.hash), f, staged.size, contentType)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("upload attachment %s: %w", staged.hash, err)
	}
	att.URL = url

	if err := p.keep(ctx, staged, models.DownloadedFile{
		Hash:        staged.hash,
		Name:        name,
		ContentType: contentType,
		Size:        staged.size,
		URL:         url,
	}); err != nil {
		p.log.Warn().Err(err).Str("hash", staged.hash).Msg("cache uploaded attachment")
	}

	return att, nil
}

// Fetch returns a local copy of att, downloading it only when the index has
// no live entry. Concurrent fetches of one hash share a single download.
func (p *Pipeline) Fetch(ctx context.Context, att models.Attachment) (*models.DownloadedFile, error) {
	if !validHash(att.Hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, att.Hash)
	}
	if existing := p.lookup(ctx, att.Hash); existing != nil {
		return namedAs(*existing, att), nil
	}

	v, err, _ := p.fetches.Do(att.Hash, func() (any, error) {
		if existing := p.lookup(ctx, att.Hash); existing != nil {
			return existing, nil
		}
		return p.download(ctx, att)
	})
	if err != nil {
		return nil, err
	}
	return namedAs(*v.(*models.DownloadedFile), att), nil
}

// namedAs presents a cache entry under the name the caller's message carries.
// The cache is keyed by content, so one entry can back several file names.
func namedAs(file models.DownloadedFile, att models.Attachment) *models.DownloadedFile {
	if att.Name != "" {
		file.Name = cleanName(att.Name)
		if att.ContentType != "" {
			file.ContentType = att.ContentType
		} else if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(file.Name))); byExt != "" {
			file.ContentType = byExt
		}
	}
	return &file
}

// Evict drops the local copy and index entry for hash.
func (p *Pipeline) Evict(ctx context.Context, hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	entry, err := p.index.GetDownloadedFile(ctx, hash)
	if err != nil {
		return err
	}
	if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cached attachment: %w", err)
	}
	return p.index.DeleteDownloadedFile(ctx, hash)
}

// Cached lists the local cache, newest first.
func (p *Pipeline) Cached(ctx context.Context) ([]models.DownloadedFile, error) {
	return p.index.ListDownloadedFiles(ctx)
}

// Purge takes content down everywhere: the blob store object and any local
// copy. Messages that reference hash can no longer be downloaded afterwards.
func (p *Pipeline) Purge(ctx context.Context, hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if err := p.blobs.Delete(ctx, blob.AttachmentKey(hash)); err != nil {
		return fmt.Errorf("delete attachment %s: %w", hash, err)
	}
	if err := p.Evict(ctx, hash); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	p.log.Info().Str("hash", hash).Msg("attachment purged")
	return nil
}

func (p *Pipeline) download(ctx context.Context, att models.Attachment) (*models.DownloadedFile, error) {
	name := cleanName(att.Name)
	rc, err := p.blobs.Get(ctx, blob.AttachmentKey(att.Hash))
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", att.Hash, err)
	}
	defer rc.Close()

	staged, err := p.stage(rc, att.Hash)
	if err != nil {
		return nil, err
	}
	defer staged.discard()

	contentType := att.ContentType
	if contentType == "" {
		contentType = detectContentType(name, staged.path)
	}
	file := models.DownloadedFile{
		Hash:        att.Hash,
		Name:        name,
		ContentType: contentType,
		Size:        staged.size,
		URL:         att.URL,
	}
	if err := p.keep(ctx, staged, file); err != nil {
		return nil, err
	}

	p.log.Debug().Str("hash", att.Hash).Int64("size", staged.size).Msg("attachment downloaded")
	return p.index.GetDownloadedFile(ctx, att.Hash)
}

// lookup returns the index entry for hash if its local file still exists.
// Stale entries are dropped.
func (p *Pipeline) lookup(ctx context.Context, hash string) *models.DownloadedFile {
	entry, err := p.index.GetDownloadedFile(ctx, hash)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			p.log.Warn().Err(err).Str("hash", hash).Msg("read attachment index")
		}
		return nil
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		p.log.Debug().Str("hash", hash).Str("path", entry.LocalPath).Msg("drop stale attachment index entry")
		if err := p.index.DeleteDownloadedFile(ctx, hash); err != nil && !errors.Is(err, models.ErrNotFound) {
			p.log.Warn().Err(err).Str("hash", hash).Msg("drop stale attachment index entry")
		}
		return nil
	}
	return entry
}

func (p *Pipeline) keep(ctx context.Context, staged *stagedFile, file models.DownloadedFile) error {
	target := filepath.Join(p.cacheDir, file.Hash+strings.ToLower(filepath.Ext(file.Name)))
	if err := os.Rename(staged.path, target); err != nil {
		return fmt.Errorf("move attachment into cache: %w", err)
	}
	staged.kept = true

	file.LocalPath = target
	if err := p.index.SaveDownloadedFile(ctx, file); err != nil {
		return fmt.Errorf("index attachment: %w", err)
	}
	return nil
}

type stagedFile struct {
	path string
	hash string
	size int64
	kept bool
}

func (s *stagedFile) discard() {
	if !s.kept {
		_ = os.Remove(s.path)
	}
}

// stage copies r into a temp file in the cache dir while hashing it. When
// wantHash is set the content must match it.
func (p *Pipeline) stage(r io.Reader, wantHash string) (*stagedFile, error) {
	tmp, err := os.CreateTemp(p.cacheDir, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	staged := &stagedFile{path: tmp.Name()}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, p.maxSize+1))
	closeErr := tmp.Close()
	if err != nil {
		staged.discard()
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if closeErr != nil {
		staged.discard()
		return nil, fmt.Errorf("write staging file: %w", closeErr)
	}
	if n > p.maxSize {
		staged.discard()
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, p.maxSize)
	}
	if n == 0 {
		staged.discard()
		return nil, ErrEmpty
	}

	staged.size = n
	staged.hash = hex.EncodeToString(hasher.Sum(nil))
	if wantHash != "" && staged.hash != wantHash {
		staged.discard()
		return nil, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, wantHash, staged.hash)
	}
	return staged, nil
}

func detectContentType(name, path string) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	if detected, err := mimetype.DetectFile(path); err == nil {
		return detected.String()
	}
	return "application/octet-stream"
}

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil && strings.ToLower(hash) == hash
}
