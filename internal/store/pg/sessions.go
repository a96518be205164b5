package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

// SessionStore persists serialized sessions as JSONB rows.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// NewStores creates all managed-mode stores on one connection pool.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return &store.Stores{Sessions: NewSessionStore(db)}, nil
}

func (s *SessionStore) Save(ctx context.Context, agentID string, doc *sessions.SerializedSession, meta store.SessionMeta) error {
	if agentID == "" {
		return store.ErrBadAgentID
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", agentID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, document, model, turns, summary, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			document = EXCLUDED.document,
			model = EXCLUDED.model,
			turns = EXCLUDED.turns,
			summary = EXCLUDED.summary,
			updated_at = now()`,
		agentID, raw, meta.Model, meta.Turns, meta.Summary)
	if err != nil {
		return fmt.Errorf("save session %s: %w", agentID, err)
	}
	return nil
}

func (s *SessionStore) Load(ctx context.Context, agentID string) (*sessions.SerializedSession, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM sessions WHERE agent_id = $1`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", agentID, err)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, model, turns, summary, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionMeta
	for rows.Next() {
		var m store.SessionMeta
		if err := rows.Scan(&m.AgentID, &m.Model, &m.Turns, &m.Summary, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SessionStore) Delete(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", agentID, err)
	}
	return nil
}
