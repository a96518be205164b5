package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// ContextMode selects how much history is replayed to the model each turn.
type ContextMode string

const (
	// ContextFull replays the entire message history. Simplest, costliest.
	ContextFull ContextMode = "full"

	// ContextSlim sends the terse summary log plus the last N complete
	// turns, grouped by the turn identifier on every message.
	ContextSlim ContextMode = "slim"
)

const (
	defaultRecentTurns   = 3
	browsablePlaceholder = "[Stale browsable content removed; only the most recent snapshot is kept.]"
)

// ContextConfig configures per-agent context assembly.
type ContextConfig struct {
	Mode        ContextMode `json:"mode"`
	RecentTurns int         `json:"recent_turns"`
}

// BuildContext selects the subset of history sent to the model this turn and
// collapses stale browsable tool output. The input slice is never mutated.
func BuildContext(msgs []chat.Message, terse []chat.TerseEntry, cfg ContextConfig) []chat.Message {
	mode := cfg.Mode
	if mode == "" {
		mode = ContextFull
	}

	out := msgs
	if mode == ContextSlim {
		out = buildSlim(msgs, terse, cfg)
	}
	out = collapseBrowsable(out)

	slog.Debug("context built",
		"mode", mode, "messages", len(out), "of", len(msgs), "est_tokens", EstimateTokens(out))
	return out
}

// buildSlim keeps the last N complete turns verbatim and condenses the rest
// into a single summary message assembled from the terse log.
//
// Pre-migration data carries neither turn ids nor a terse log; forcing full
// replay there beats silently starving the model of context.
func buildSlim(msgs []chat.Message, terse []chat.TerseEntry, cfg ContextConfig) []chat.Message {
	recentTurns := cfg.RecentTurns
	if recentTurns <= 0 {
		recentTurns = defaultRecentTurns
	}

	var turns []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.Turn != "" && !seen[m.Turn] {
			seen[m.Turn] = true
			turns = append(turns, m.Turn)
		}
	}

	if len(turns) == 0 {
		if len(terse) == 0 {
			slog.Debug("slim context requested but history has no turn ids; replaying full history")
			return msgs
		}
		// Nothing groupable to keep verbatim; the summary is all we have.
		return append(summaryMessages(terse, nil), msgs...)
	}

	keep := turns
	if len(turns) > recentTurns {
		keep = turns[len(turns)-recentTurns:]
	}
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}

	// Turns are appended contiguously: everything from the first kept
	// turn's first message onward is recent.
	start := len(msgs)
	for i, m := range msgs {
		if kept[m.Turn] {
			start = i
			break
		}
	}

	out := summaryMessages(terse, kept)
	return append(out, msgs[start:]...)
}

// summaryMessages renders terse entries not covered by kept turns as a
// single leading user message. Returns an empty slice when nothing applies.
func summaryMessages(terse []chat.TerseEntry, kept map[string]bool) []chat.Message {
	var lines []string
	for _, e := range terse {
		if kept[e.Turn] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", e.Turn, e.Role, e.Summary))
	}
	if len(lines) == 0 {
		return []chat.Message{}
	}
	text := "[Conversation so far, condensed]\n" + strings.Join(lines, "\n")
	return []chat.Message{{Role: chat.RoleUser, Content: []chat.ContentBlock{chat.TextBlock(text)}}}
}

// collapseBrowsable replaces all but the most recent browsable tool output
// with a placeholder. Only the latest snapshot is actionable to the model;
// older ones just burn context. Copy-on-write: the input is untouched and
// returned unchanged when nothing collapses.
func collapseBrowsable(msgs []chat.Message) []chat.Message {
	type loc struct{ msg, block int }
	var found []loc
	for i, m := range msgs {
		for j, b := range m.Content {
			if b.Type == chat.BlockToolResult && isBrowsableContent(b.Content) {
				found = append(found, loc{i, j})
			}
		}
	}
	if len(found) <= 1 {
		return msgs
	}

	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	for _, l := range found[:len(found)-1] {
		m := out[l.msg]
		blocks := make([]chat.ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		blocks[l.block].Content = browsablePlaceholder
		out[l.msg] = chat.Message{Role: m.Role, Content: blocks, Turn: m.Turn}
	}
	return out
}

// isBrowsableContent recognizes the structured snapshot shape produced by
// browsing tools: a JSON object self-tagged "browsable", or the legacy
// url+elements pair.
func isBrowsableContent(s string) bool {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return false
	}
	if kind, ok := obj["kind"]; ok && string(kind) == `"browsable"` {
		return true
	}
	_, hasURL := obj["url"]
	_, hasElements := obj["elements"]
	return hasURL && hasElements
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token footprint of a message slice using
// the cl100k_base encoding, falling back to chars/4 when the encoding data
// is unavailable (offline first run).
func EstimateTokens(msgs []chat.Message) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating tokens by length", "err", err)
			return
		}
		tokenizer = enc
	})

	total := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			text := b.Text + b.Content
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					text += string(raw)
				}
			}
			if tokenizer != nil {
				total += len(tokenizer.Encode(text, nil, nil))
			} else {
				total += len(text) / 4
			}
		}
		total += 4 // per-message wire overhead
	}
	return total
}
