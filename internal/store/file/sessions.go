// Package file implements the standalone-mode stores: sessions as JSON
// documents on disk plus a SQLite index for listing.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

// SessionStore keeps one JSON document per agent under dir. Writes go
// through a temp file and rename so a crash never leaves a torn document.
type SessionStore struct {
	dir   string
	index *Index // optional

	mu sync.Mutex
}

// NewSessionStore creates a file-backed session store. index may be nil.
func NewSessionStore(dir string, index *Index) *SessionStore {
	return &SessionStore{dir: dir, index: index}
}

// NewStores creates all standalone-mode stores.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	var index *Index
	if cfg.IndexPath != "" {
		var err error
		index, err = OpenIndex(cfg.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("open session index: %w", err)
		}
	}
	return &store.Stores{
		Sessions: NewSessionStore(cfg.SessionsDir, index),
	}, nil
}

func (s *SessionStore) Save(ctx context.Context, agentID string, doc *sessions.SerializedSession, meta store.SessionMeta) error {
	path, err := s.path(agentID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", agentID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session %s: %w", agentID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit session %s: %w", agentID, err)
	}

	if s.index != nil {
		meta.AgentID = agentID
		if err := s.index.Upsert(ctx, meta); err != nil {
			slog.Warn("session index update failed", "agent", agentID, "err", err)
		}
	}
	return nil
}

// Load reads, validates and migrates a stored session to the current
// schema version.
func (s *SessionStore) Load(_ context.Context, agentID string) (*sessions.SerializedSession, error) {
	path, err := s.path(agentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	raw, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", agentID, err)
	}

	if !sessions.Validate(raw) {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidDocument, agentID)
	}
	var doc sessions.SerializedSession
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", agentID, err)
	}
	return sessions.Migrate(&doc)
}

func (s *SessionStore) List(ctx context.Context) ([]store.SessionMeta, error) {
	if s.index != nil {
		return s.index.List(ctx)
	}

	// No index: scan the directory and report what the filenames tell us.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan sessions dir: %w", err)
	}
	var out []store.SessionMeta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		meta := store.SessionMeta{AgentID: strings.TrimSuffix(name, ".json")}
		if info, err := e.Info(); err == nil {
			meta.UpdatedAt = info.ModTime()
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *SessionStore) Delete(ctx context.Context, agentID string) error {
	path, err := s.path(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = os.Remove(path)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", agentID, err)
	}

	if s.index != nil {
		if err := s.index.Delete(ctx, agentID); err != nil {
			slog.Warn("session index delete failed", "agent", agentID, "err", err)
		}
	}
	return nil
}

// path validates the agent id and maps it to a document path. IDs that
// could escape the directory are rejected outright.
func (s *SessionStore) path(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, "/\\") || strings.Contains(agentID, "..") {
		return "", fmt.Errorf("%w: %q", store.ErrBadAgentID, agentID)
	}
	return filepath.Join(s.dir, agentID+".json"), nil
}
