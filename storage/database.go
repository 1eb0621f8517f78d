package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"schoolchat/crypto"
	"schoolchat/logging"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "secure.db"
	// DefaultKeyFileName holds the device secret that seals stored values.
	DefaultKeyFileName = "secure.key"
)

// ErrNotFound indicates a requested key does not exist.
var ErrNotFound = errors.New("storage: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS secure_values (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
}

// Store is a sealed key-value store backed by SQLite. Values are encrypted
// with the device secret and bound to their key.
type Store struct {
	db     *sql.DB
	secret []byte
	logger *zap.Logger

	mu        sync.RWMutex
	closeOnce sync.Once
}

// Open opens (or creates) secure.db under dataDir, using the device secret in
// dataDir/keys/secure.key.
func Open(dataDir string, logger *zap.Logger) (*Store, string, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	secret, err := crypto.EnsureSecretKey(filepath.Join(dataDir, "keys", DefaultKeyFileName))
	if err != nil {
		return nil, "", err
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, secret, logger)
	if err != nil {
		return nil, "", err
	}
	store.logger.Debug("secure store opened",
		zap.String("path", dbPath),
		zap.String("key_fingerprint", crypto.KeyFingerprint(secret)),
	)

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, secret []byte, logger *zap.Logger) (*Store, error) {
	if len(secret) != crypto.SecretKeySize {
		return nil, fmt.Errorf("invalid secret length: got %d want %d", len(secret), crypto.SecretKeySize)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		secret: append([]byte(nil), secret...),
		logger: logging.OrNop(logger),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.db != nil {
			closeErr = s.db.Close()
			s.db = nil
		}
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
