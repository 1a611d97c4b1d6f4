package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"carchat/models"
)

// SaveDownloadedFile inserts or replaces the local cache entry for a content hash.
func (s *Store) SaveDownloadedFile(ctx context.Context, file models.DownloadedFile) error {
	if file.Hash == "" {
		return errors.New("hash is required")
	}
	if file.Name == "" {
		return errors.New("name is required")
	}
	if file.LocalPath == "" {
		return errors.New("local_path is required")
	}
	if file.Size < 0 {
		return errors.New("size must be >= 0")
	}
	if file.CreatedAt == 0 {
		file.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloaded_files (
			hash,
			name,
			local_path,
			content_type,
			size,
			url,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			name = excluded.name,
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			size = excluded.size,
			url = CASE WHEN excluded.url = '' THEN downloaded_files.url ELSE excluded.url END,
			created_at = excluded.created_at`,
		file.Hash,
		file.Name,
		file.LocalPath,
		file.ContentType,
		file.Size,
		file.URL,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save downloaded file %q: %w", file.Hash, err)
	}
	return nil
}

// GetDownloadedFile looks up the local cache entry for a content hash.
func (s *Store) GetDownloadedFile(ctx context.Context, hash string) (*models.DownloadedFile, error) {
	if hash == "" {
		return nil, errors.New("hash is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT hash, name, local_path, content_type, size, url, created_at
		FROM downloaded_files
		WHERE hash = ?`,
		hash,
	)
	file, err := scanDownloadedFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get downloaded file %q: %w", hash, err)
	}
	return file, nil
}

// DeleteDownloadedFile removes the cache entry for a content hash.
func (s *Store) DeleteDownloadedFile(ctx context.Context, hash string) error {
	if hash == "" {
		return errors.New("hash is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM downloaded_files WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete downloaded file %q: %w", hash, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete downloaded file %q: %w", hash, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDownloadedFiles returns cache entries, newest first.
func (s *Store) ListDownloadedFiles(ctx context.Context) ([]models.DownloadedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, name, local_path, content_type, size, url, created_at
		FROM downloaded_files
		ORDER BY created_at DESC, hash`,
	)
	if err != nil {
		return nil, fmt.Errorf("list downloaded files: %w", err)
	}
	defer rows.Close()

	files := make([]models.DownloadedFile, 0)
	for rows.Next() {
		file, err := scanDownloadedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan downloaded file row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downloaded file rows: %w", err)
	}
	return files, nil
}

func scanDownloadedFile(row scanner) (*models.DownloadedFile, error) {
	var file models.DownloadedFile
	if err := row.Scan(
		&file.Hash,
		&file.Name,
		&file.LocalPath,
		&file.ContentType,
		&file.Size,
		&file.URL,
		&file.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &file, nil
}
