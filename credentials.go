package authsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultStorageKey is the persistence key the session record is stored under.
const DefaultStorageKey = "authsession"

// Persistence is the durable storage collaborator used by CredentialStore.
type Persistence interface {
	// Get returns the value stored under key.
	// Returns nil, false, nil if nothing is stored.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}

// storedSession is the persisted record. A nil AccessToken is written as
// null and means logged out.
type storedSession struct {
	AccessToken *string `json:"accessToken"`
}

// CredentialStore holds the current access token. Every mutation updates the
// HeaderInjector and writes the record to Persistence.
type CredentialStore struct {
	mu       sync.RWMutex
	token    string
	key      string
	persist  Persistence
	injector *HeaderInjector
	logger   *slog.Logger
}

// NewCredentialStore creates a store persisting under key.
// persist may be nil, in which case nothing is written.
func NewCredentialStore(persist Persistence, key string, injector *HeaderInjector, logger *slog.Logger) *CredentialStore {
	if key == "" {
		key = DefaultStorageKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		key:      key,
		persist:  persist,
		injector: injector,
		logger:   logger,
	}
}

// Get returns the current access token, or "" when unauthenticated.
func (s *CredentialStore) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Has reports whether an access token is set.
func (s *CredentialStore) Has() bool {
	return s.Get() != ""
}

// Set replaces the access token. An empty token is the same as Clear.
func (s *CredentialStore) Set(token string) {
	if token == "" {
		s.Clear()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.injector.SetAuthorization(token)
	s.save(&token)
}

// Clear removes the access token and its Authorization header.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.injector.RemoveAuthorization()
	s.save(nil)
}

// Load reads the persisted record into the store without writing it back.
// found is false when nothing has been persisted yet.
func (s *CredentialStore) Load(ctx context.Context) (found bool, err error) {
	if s.persist == nil {
		return false, nil
	}

	data, ok, err := s.persist.Get(ctx, s.key)
	if err != nil {
		return false, fmt.Errorf("failed to read stored session: %w", err)
	}
	if !ok {
		return false, nil
	}

	var record storedSession
	if err := json.Unmarshal(data, &record); err != nil {
		return false, fmt.Errorf("failed to parse stored session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if record.AccessToken != nil && *record.AccessToken != "" {
		s.token = *record.AccessToken
		s.injector.SetAuthorization(s.token)
	} else {
		s.token = ""
		s.injector.RemoveAuthorization()
	}
	return true, nil
}

// Persist writes the current record. Used when Initialize finds nothing stored.
func (s *CredentialStore) Persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		s.save(nil)
		return
	}
	token := s.token
	s.save(&token)
}

// reset forgets the in-memory token without touching Persistence.
func (s *CredentialStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.injector.RemoveAuthorization()
}

// save is fire-and-forget: failures are logged and otherwise ignored.
// Caller must hold s.mu so records are written in mutation order.
func (s *CredentialStore) save(token *string) {
	if s.persist == nil {
		return
	}

	data, err := json.Marshal(storedSession{AccessToken: token})
	if err != nil {
		s.logger.Warn("failed to encode session record", "err", err)
		return
	}
	if err := s.persist.Set(context.Background(), s.key, data); err != nil {
		s.logger.Warn("failed to persist session record", "key", s.key, "err", err)
	}
}
