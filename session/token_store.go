package session

import (
	"errors"
	"fmt"
	"sync"

	"schoolchat/storage"
)

// TokenKey is the only persisted secure key.
const TokenKey = "auth_token"

// ErrNoToken is returned when no session is live.
var ErrNoToken = errors.New("session: no token")

// SecureStore is the persistence the token store relies on.
type SecureStore interface {
	Put(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// TokenStore holds the bearer token of the single live session.
type TokenStore struct {
	store SecureStore

	mu       sync.RWMutex
	cached   string
	loaded   bool
	onChange []func(token string)
}

// NewTokenStore wraps a secure store.
func NewTokenStore(store SecureStore) *TokenStore {
	return &TokenStore{store: store}
}

// Token returns the current bearer token.
func (s *TokenStore) Token() (string, error) {
	s.mu.RLock()
	if s.loaded {
		token := s.cached
		s.mu.RUnlock()
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		token, err := s.store.Get(TokenKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("read token: %w", err)
		}
		s.cached = token
		s.loaded = true
	}
	if s.cached == "" {
		return "", ErrNoToken
	}
	return s.cached, nil
}

// SetToken persists a freshly issued token, replacing any previous session.
func (s *TokenStore) SetToken(token string) error {
	if token == "" {
		return errors.New("token is required")
	}
	if _, err := ParseClaims(token); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.store.Put(TokenKey, token); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write token: %w", err)
	}
	s.cached = token
	s.loaded = true
	listeners := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(token)
	}
	return nil
}

// Clear removes the token. Clearing an empty store is not an error.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	if err := s.store.Delete(TokenKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.mu.Unlock()
		return fmt.Errorf("clear token: %w", err)
	}
	s.cached = ""
	s.loaded = true
	listeners := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn("")
	}
	return nil
}

// OnChange registers fn to run after every SetToken or Clear.
func (s *TokenStore) OnChange(fn func(token string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Claims returns the parsed claims of the current token.
func (s *TokenStore) Claims() (*Claims, error) {
	token, err := s.Token()
	if err != nil {
		return nil, err
	}
	return ParseClaims(token)
}

// CurrentUserID returns the subject of the current token.
func (s *TokenStore) CurrentUserID() (int64, error) {
	claims, err := s.Claims()
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}
