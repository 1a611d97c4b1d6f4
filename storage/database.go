package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "carchat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultAuditEventRetention controls automatic audit event pruning.
	DefaultAuditEventRetention = 180 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  conv_key    TEXT PRIMARY KEY,
  owner_id    TEXT NOT NULL,
  car_id      TEXT NOT NULL,
  buyer_id    TEXT NOT NULL,
  created_at  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations (owner_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conversations_buyer ON conversations (buyer_id);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id              TEXT PRIMARY KEY,
  conv_key                TEXT NOT NULL REFERENCES conversations(conv_key),
  sender_id               TEXT NOT NULL,
  receiver_id             TEXT NOT NULL,
  text                    TEXT NOT NULL DEFAULT '',
  attachment_url          TEXT,
  attachment_type         TEXT,
  attachment_name         TEXT,
  attachment_content_type TEXT,
  attachment_size         INTEGER,
  attachment_hash         TEXT,
  timestamp               INTEGER NOT NULL,
  status                  TEXT NOT NULL CHECK(status IN ('sent','delivered','read','failed')) DEFAULT 'sent'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conv_time
ON messages (conv_key, timestamp, message_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_receiver_status
ON messages (receiver_id, status);
`,
	`
CREATE TABLE IF NOT EXISTS message_deletions (
  message_id  TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
  user_id     TEXT NOT NULL,
  deleted_at  INTEGER NOT NULL,
  PRIMARY KEY (message_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS blocks (
  blocker_id  TEXT NOT NULL,
  blocked_id  TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (blocker_id, blocked_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS reports (
  report_id    TEXT PRIMARY KEY,
  reporter_id  TEXT NOT NULL,
  reported_id  TEXT NOT NULL,
  conv_key     TEXT,
  reason       TEXT NOT NULL,
  snapshot     TEXT NOT NULL DEFAULT '[]',
  status       TEXT NOT NULL CHECK(status IN ('open','resolved','dismissed')) DEFAULT 'open',
  created_at   INTEGER NOT NULL,
  resolved_by  TEXT,
  resolved_at  INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_reports_status_time
ON reports (status, created_at DESC, report_id);
`,
	`
CREATE TABLE IF NOT EXISTS downloaded_files (
  hash          TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  local_path    TEXT NOT NULL,
  content_type  TEXT NOT NULL DEFAULT '',
  size          INTEGER NOT NULL,
  url           TEXT NOT NULL DEFAULT '',
  created_at    INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS audit_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  actor_id    TEXT NOT NULL,
  subject_id  TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_time
ON audit_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_subject
ON audit_events (subject_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS users (
  user_id        TEXT PRIMARY KEY,
  email          TEXT NOT NULL UNIQUE,
  display_name   TEXT NOT NULL DEFAULT '',
  role           TEXT NOT NULL CHECK(role IN ('buyer','seller','admin')) DEFAULT 'buyer',
  password_hash  TEXT NOT NULL,
  created_at     INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS sessions (
  token       TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
  expires_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS device_tokens (
  token       TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL,
  updated_at  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_device_tokens_user ON device_tokens (user_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
//
// It holds the conversation log, moderation records, the local download
// index and accounts, and fans message events out to in-process listeners.
type Store struct {
	db *sql.DB

	listeners *listenerHub

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	auditEventRetention   time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) carchat.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		listeners:             newListenerHub(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		auditEventRetention:   DefaultAuditEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		s.listeners.closeAll()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
