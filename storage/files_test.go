package storage

import (
	"context"
	"errors"
	"testing"

	"carchat/models"
)

func TestDownloadedFileCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := models.DownloadedFile{
		Hash:        "abc123",
		Name:        "photo.png",
		LocalPath:   "/tmp/cache/abc123.png",
		ContentType: "image/png",
		Size:        2048,
		URL:         "https://cdn.example.com/attachments/abc123.png",
	}
	if err := store.SaveDownloadedFile(ctx, file); err != nil {
		t.Fatalf("SaveDownloadedFile failed: %v", err)
	}

	got, err := store.GetDownloadedFile(ctx, file.Hash)
	if err != nil {
		t.Fatalf("GetDownloadedFile failed: %v", err)
	}
	if got.Name != file.Name || got.Size != file.Size || got.URL != file.URL {
		t.Fatalf("unexpected downloaded file: %+v", got)
	}
	if got.CreatedAt == 0 {
		t.Fatalf("expected created_at to be set")
	}

	file.LocalPath = "/tmp/cache/moved.png"
	file.URL = ""
	if err := store.SaveDownloadedFile(ctx, file); err != nil {
		t.Fatalf("SaveDownloadedFile upsert failed: %v", err)
	}
	got, err = store.GetDownloadedFile(ctx, file.Hash)
	if err != nil {
		t.Fatalf("GetDownloadedFile after upsert failed: %v", err)
	}
	if got.LocalPath != "/tmp/cache/moved.png" {
		t.Fatalf("expected local path to be replaced, got %q", got.LocalPath)
	}
	if got.URL != "https://cdn.example.com/attachments/abc123.png" {
		t.Fatalf("expected empty url to keep previous url, got %q", got.URL)
	}

	files, err := store.ListDownloadedFiles(ctx)
	if err != nil {
		t.Fatalf("ListDownloadedFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(files))
	}

	if err := store.DeleteDownloadedFile(ctx, file.Hash); err != nil {
		t.Fatalf("DeleteDownloadedFile failed: %v", err)
	}
	if _, err := store.GetDownloadedFile(ctx, file.Hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteDownloadedFile(ctx, file.Hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestSaveDownloadedFileValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []models.DownloadedFile{
		{Name: "a", LocalPath: "/tmp/a"},
		{Hash: "h", LocalPath: "/tmp/a"},
		{Hash: "h", Name: "a"},
		{Hash: "h", Name: "a", LocalPath: "/tmp/a", Size: -1},
	}
	for i, file := range cases {
		if err := store.SaveDownloadedFile(ctx, file); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
