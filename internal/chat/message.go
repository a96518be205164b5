// Package chat defines the canonical conversation vocabulary shared by
// providers, the agent loop, runners and session storage. Every provider
// adapter translates to and from these types; nothing downstream ever sees a
// provider wire shape.
package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role of a conversation message. The model only ever sees user and
// assistant; tool results ride inside user messages as tool_result blocks.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the ContentBlock variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's content. The variant is closed:
// text, tool_use or tool_result. Fields are variant-specific; unused fields
// stay empty and are omitted from JSON.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block answering the tool_use
// block with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn entry: a role plus an ordered sequence of
// content blocks. Messages are immutable once appended to a conversation —
// the runner only ever appends.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// Turn groups the message into a user-initiated loop ("t1", "t2", ...).
	// Empty on pre-migration data; the context builder falls back to full
	// replay when no message carries one.
	Turn string `json:"turn,omitempty"`
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks in emission order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// UnmarshalJSON normalizes older stored shapes at the ingestion boundary:
// content may arrive as a plain string (legacy single-text messages) or as a
// block list. Downstream code only ever sees the block form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
		Turn    string          `json:"turn"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Turn = raw.Turn
	m.Content = nil

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		if text != "" {
			m.Content = []ContentBlock{TextBlock(text)}
		}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block list: %w", err)
	}
	m.Content = blocks
	return nil
}

// TerseEntry is one line of the append-only terse log: a compact per-turn
// summary the context builder can replay in place of full history.
type TerseEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Turn      string    `json:"turn"`
	Role      Role      `json:"role"`
	Summary   string    `json:"summary"`
}
