// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeranaias/chatfall/internal/util"
)

// =============================================================================
// WELL-KNOWN KEYS
// =============================================================================

// Fixed identifiers for the persisted blobs. Consumers read these on load
// and write on every mutation.
const (
	KeyConversation = "chat_history"
	KeySessionOpen  = "chat_session_open"
	KeyQuotaRecord  = "chat_quota_record"
	KeyPreferences  = "chat_user_prefs"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// KV is a small persistent key-value store.
//
// The core depends on this interface rather than on files directly, so unit
// tests can substitute an in-memory fake.
type KV interface {
	// Get returns the raw value for key. ErrKeyNotFound when absent.
	Get(key string) ([]byte, error)

	// Set writes the value for key, persisting it durably before returning.
	Set(key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
}

// ErrKeyNotFound is returned when a key has no stored value.
// Use errors.Is(err, ErrKeyNotFound) to check for this error.
var ErrKeyNotFound = &StoreError{Message: "key not found"}

// StoreError represents a store-related error.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// IsNotFound reports whether err means the key has no stored value.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists each key as a JSON-safe file under a base directory.
type FileStore struct {
	// BaseDir is the directory holding one file per key.
	// Default: ~/.chatfall/state/
	BaseDir string

	mu sync.Mutex
}

// NewFileStore creates a store under the default state directory.
func NewFileStore() (*FileStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewFileStoreWithDir(filepath.Join(homeDir, ".chatfall", "state"))
}

// NewFileStoreWithDir creates a store with a custom directory.
func NewFileStoreWithDir(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// Get returns the raw value for key.
func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set writes the value for key using an atomic replace.
func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 0600: state may hold conversation text
	return util.AtomicWriteFile(s.filePath(key), value, 0600)
}

// Delete removes the key.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.filePath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// filePath maps a key to its backing file. Keys are sanitized so a
// hostile key cannot escape the base directory.
func (s *FileStore) filePath(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.BaseDir, safe+".json")
}

// =============================================================================
// MEMORY STORE (TESTS)
// =============================================================================

// MemStore is an in-memory KV used by unit tests and previews.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get returns the value for key.
func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores the value for key.
func (s *MemStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

// Delete removes the key.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// GetJSON unmarshals the stored value for key into out.
func GetJSON(kv KV, key string, out any) error {
	data, err := kv.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SetJSON marshals v and stores it under key.
func SetJSON(kv KV, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return kv.Set(key, data)
}
