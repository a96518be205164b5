package file

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// Index is a SQLite table of session metadata so listing agents never
// requires parsing every stored document.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at the given path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("session index opened", "path", path)
	return idx, nil
}

func (i *Index) migrate() error {
	_, err := i.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		agent_id   TEXT PRIMARY KEY,
		model      TEXT NOT NULL DEFAULT '',
		turns      INTEGER NOT NULL DEFAULT 0,
		summary    TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

func (i *Index) Upsert(ctx context.Context, meta store.SessionMeta) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, model, turns, summary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			model = excluded.model,
			turns = excluded.turns,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		meta.AgentID, meta.Model, meta.Turns, meta.Summary, meta.UpdatedAt)
	return err
}

func (i *Index) List(ctx context.Context) ([]store.SessionMeta, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT agent_id, model, turns, summary, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
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

func (i *Index) Delete(ctx context.Context, agentID string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM sessions WHERE agent_id = ?`, agentID)
	return err
}

func (i *Index) Close() error { return i.db.Close() }
