package sessions

import (
	"time"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// SerializeInput collects everything that goes into a session snapshot.
type SerializeInput struct {
	AgentID      string
	Config       []byte
	Conversation []chat.Message
	TerseLog     []chat.TerseEntry
	Files        []FileEntry
	Subagents    [][]byte
	Metadata     map[string]any
	Dependencies *Dependencies
	DOMState     []byte
}

// Serialize builds a session document at the current schema version with a
// fresh timestamp. Pure construction: inputs are copied, never mutated, and
// the dependency manifest is always present in the output.
func Serialize(in SerializeInput) *SerializedSession {
	s := &SerializedSession{
		Version:      CurrentVersion,
		AgentID:      in.AgentID,
		SerializedAt: time.Now().UTC(),
		Dependencies: copyDependencies(in.Dependencies),
	}

	if len(in.Config) > 0 {
		s.Config = append([]byte(nil), in.Config...)
	}
	if len(in.DOMState) > 0 {
		s.DOMState = append([]byte(nil), in.DOMState...)
	}
	// Conversation is a required field with no omitempty: keep it a non-nil
	// slice so a fresh session round-trips through Validate.
	s.Conversation = append([]chat.Message{}, in.Conversation...)
	s.TerseLog = append([]chat.TerseEntry(nil), in.TerseLog...)
	s.Files = append([]FileEntry(nil), in.Files...)
	for _, sub := range in.Subagents {
		s.Subagents = append(s.Subagents, append([]byte(nil), sub...))
	}
	if len(in.Metadata) > 0 {
		s.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

func copyDependencies(d *Dependencies) *Dependencies {
	out := &Dependencies{Skills: []string{}, Extensions: []string{}}
	if d != nil {
		out.Skills = append(out.Skills, d.Skills...)
		out.Extensions = append(out.Extensions, d.Extensions...)
	}
	return out
}
