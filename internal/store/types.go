// Package store defines the persistence interfaces for serialized sessions
// and their backends: file-based (standalone mode, with a SQLite metadata
// index) and Postgres (managed mode).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/sessions"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// PostgresDSN is the Postgres connection string. If empty, standalone (file) mode is used.
	PostgresDSN string

	// Mode: "standalone" (default) or "managed".
	Mode string

	// SessionsDir is the directory for file-based session storage (standalone mode).
	SessionsDir string

	// IndexPath is the SQLite session-index path (standalone mode). Empty
	// disables the index; listing then falls back to a directory scan.
	IndexPath string

	// CronStorePath is the file path for cron job persistence (standalone mode).
	CronStorePath string
}

// IsManaged returns true if the system is in managed (Postgres) mode.
func (c StoreConfig) IsManaged() bool {
	return c.PostgresDSN != "" && c.Mode == "managed"
}

// SessionMeta is the lightweight per-session summary kept alongside the
// full document for cheap listing.
type SessionMeta struct {
	AgentID   string    `json:"agent_id"`
	Model     string    `json:"model"`
	Turns     int       `json:"turns"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists serialized sessions. Save is called after every
// completed loop; implementations must tolerate concurrent calls for
// different agents.
type SessionStore interface {
	Save(ctx context.Context, agentID string, doc *sessions.SerializedSession, meta SessionMeta) error
	Load(ctx context.Context, agentID string) (*sessions.SerializedSession, error)
	List(ctx context.Context) ([]SessionMeta, error)
	Delete(ctx context.Context, agentID string) error
}

// Stores bundles every backend the process uses.
type Stores struct {
	Sessions SessionStore
}
