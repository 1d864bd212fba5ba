// Package storage persists session state as JSON files, one per
// session, with atomic writes and per-file locking so concurrent
// sessions never interfere.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/conduit-ai/conduit/pkg/types"
)

var ErrNotFound = errors.New("session not found")

// SessionStore is the pluggable persistence collaborator the session
// manager wires into engines. Implementations must keep sessions
// independent: operations on one id never touch another.
type SessionStore interface {
	Save(ctx context.Context, session *types.Session) error
	Load(ctx context.Context, id string) (*types.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// FileStore is the file-backed SessionStore. Each session lives at
// <basePath>/session/<id>.json; writes go through a temp file and
// rename so readers never see a torn file.
type FileStore struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

// NewFileStore creates a file store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.basePath, "session", id+".json")
}

// Save writes the session to disk atomically.
func (s *FileStore) Save(ctx context.Context, session *types.Session) error {
	if session.ID == "" {
		return fmt.Errorf("storage: session has no id")
	}
	path := s.sessionPath(session.ID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}

	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("storage: acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// Load reads a session by id.
func (s *FileStore) Load(ctx context.Context, id string) (*types.Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read session: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("storage: unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a session. Deleting a missing session is not an
// error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	path := s.sessionPath(id)

	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("storage: acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	return nil
}

// List returns the ids of all stored sessions.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "session"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("storage: read directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) getLock(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[path]
	if !ok {
		lock = newFileLock(path)
		s.locks[path] = lock
	}
	return lock
}
