// Package fs provides a file system-based Persistence for authsession.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store keeps values as a JSON file on the filesystem. Every Set is
// written through to disk.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]json.RawMessage
}

// storeFile is the JSON structure stored on disk
type storeFile struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

// NewStore creates a new file-backed store.
// If path is empty, defaults to ~/.config/<appName>/session.json
func NewStore(path string, appName string) (*Store, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "authsession"
		}
		path = filepath.Join(configDir, appName, "session.json")
	}

	store := &Store{
		path:    path,
		entries: make(map[string]json.RawMessage),
	}

	// Load existing entries if file exists
	if err := store.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// Reload replaces the in-memory entries with the file contents.
func (s *Store) Reload() error {
	entries, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	return nil
}

func (s *Store) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]json.RawMessage)
	}
	// The file is indented; hand values back in compact form.
	for key, value := range file.Entries {
		file.Entries[key] = compact(value)
	}
	return file.Entries, nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value under key and writes the file. value must be valid JSON.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = compact(value)
	return s.saveLocked()
}

// Delete removes key and writes the file.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return s.saveLocked()
}

// Path returns the path to the store file
func (s *Store) Path() string {
	return s.path
}

func (s *Store) saveLocked() error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(storeFile{Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize store: %w", err)
	}

	return writeAtomicFile(s.path, data)
}

func compact(value []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return append(json.RawMessage(nil), value...)
	}
	return buf.Bytes()
}

// writeAtomicFile writes data to a temp file (created 0600) and renames it
// over path, so readers never observe a partial file.
func writeAtomicFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
