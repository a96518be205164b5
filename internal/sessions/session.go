// Package sessions defines the versioned serialized-session document and the
// pure transformations over it: construction, structural validation, and
// one-way version migration. Nothing here touches disk or network; the store
// layer owns persistence.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// CurrentVersion is the schema version stamped on newly serialized sessions.
// Version 2 added the dependency manifest and browser DOM state.
const CurrentVersion = 2

// Encoding values for serialized file entries.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// FileEntry is one workspace file captured with the session.
type FileEntry struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Dependencies is the version-2 manifest of capabilities the session relies
// on. Both slices are always present, possibly empty.
type Dependencies struct {
	Skills     []string `json:"skills"`
	Extensions []string `json:"extensions"`
}

// SerializedSession is the full portable snapshot of one agent: enough to
// resume the conversation on another host.
type SerializedSession struct {
	Version      int       `json:"version"`
	AgentID      string    `json:"agentId"`
	SerializedAt time.Time `json:"serializedAt"`

	// Config is the agent configuration, stored opaquely: the serializer
	// does not interpret it and migrations never rewrite it.
	Config json.RawMessage `json:"config,omitempty"`

	Conversation []chat.Message     `json:"conversation"`
	TerseLog     []chat.TerseEntry  `json:"terseLog,omitempty"`
	Files        []FileEntry        `json:"files,omitempty"`
	Subagents    []json.RawMessage  `json:"subagents,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`

	// Version 2 fields.
	Dependencies *Dependencies   `json:"dependencies,omitempty"`
	DOMState     json.RawMessage `json:"domState,omitempty"`
}
