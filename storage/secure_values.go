package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"schoolchat/crypto"
)

var errClosed = errors.New("storage: store is closed")

// Put seals value and stores it under key, replacing any previous value.
func (s *Store) Put(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	sealed, err := crypto.Seal(s.secret, []byte(value), []byte(key))
	if err != nil {
		return fmt.Errorf("seal value %q: %w", key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errClosed
	}

	_, err = s.db.Exec(
		`INSERT INTO secure_values (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		sealed,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put secure value %q: %w", key, err)
	}

	return nil
}

// Get returns the plaintext value stored under key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}

	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return "", errClosed
	}
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM secure_values WHERE key = ?`, key).Scan(&sealed)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get secure value %q: %w", key, err)
	}

	plaintext, err := crypto.Open(s.secret, sealed, []byte(key))
	if err != nil {
		// A value sealed with a lost device key can never be read again.
		s.logger.Warn("discarding unreadable secure value", zap.String("key", key), zap.Error(err))
		if delErr := s.Delete(key); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			return "", delErr
		}
		return "", ErrNotFound
	}

	return string(plaintext), nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errClosed
	}

	res, err := s.db.Exec(`DELETE FROM secure_values WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete secure value %q: %w", key, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %q: %w", key, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
