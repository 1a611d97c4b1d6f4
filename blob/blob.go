// Package blob stores attachment bytes under flat string keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("blob not found")

// Store is a remote or local object store.
type Store interface {
	// Put writes body under key and returns the URL clients can download it from.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object under key. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// AttachmentKey is the content-addressed key an attachment is stored under.
// It depends on the hash only, so every copy of the same bytes shares one
// object whatever file name it was sent with.
func AttachmentKey(hash string) string {
	return "attachments/" + hash
}

// ValidateKey rejects keys that could escape a store root.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("blob key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
