package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	anthropicDefaultMax  = 8192
)

// AnthropicAdapter speaks the Anthropic Messages API: system prompt in a
// dedicated field, native tool_use / tool_result content blocks, named SSE
// events (message_start, content_block_delta, message_delta, ...).
type AnthropicAdapter struct {
	pricing *PricingTable

	// per-turn accumulation
	model     string // from the last BuildRequest, for cost estimation
	textBuf   string
	textDirty bool
	tools     map[int]*toolAccum // keyed by content block index
	toolOrder []int
	stop      string
	usage     chat.TokenUsage
}

// toolAccum is a tool call being assembled from streamed fragments.
type toolAccum struct {
	id     string
	name   string
	buf    string
	closed bool
}

func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		pricing: DefaultPricing(),
		tools:   make(map[int]*toolAccum),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// anthropicMessage is the wire shape of one conversation message.
type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

// BuildRequest serializes the conversation into a streamed Messages API call.
func (a *AnthropicAdapter) BuildRequest(msgs []chat.Message, tools []ToolDefinition, cfg RequestConfig) (*Request, error) {
	base := cfg.APIBase
	if base == "" {
		base = anthropicDefaultBase
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMax
	}
	a.model = cfg.Model

	wire := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]map[string]any, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case chat.BlockText:
				blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
			case chat.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": b.ID, "name": b.Name, "input": input,
				})
			case chat.BlockToolResult:
				block := map[string]any{
					"type": "tool_result", "tool_use_id": b.ToolUseID, "content": b.Content,
				}
				if b.IsError {
					block["is_error"] = true
				}
				blocks = append(blocks, block)
			}
		}
		if len(blocks) == 0 {
			continue // provider rejects empty content
		}
		wire = append(wire, anthropicMessage{Role: string(m.Role), Content: blocks})
	}

	body := map[string]any{
		"model":      cfg.Model,
		"max_tokens": maxTokens,
		"messages":   wire,
		"stream":     true,
	}
	if cfg.SystemPrompt != "" {
		body["system"] = cfg.SystemPrompt
	}
	if cfg.Temperature > 0 {
		body["temperature"] = cfg.Temperature
	}
	if len(tools) > 0 {
		defs := make([]map[string]any, 0, len(tools))
		for _, t := range CleanToolSchemas(a.Name(), tools) {
			defs = append(defs, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": EnsureObjectSchema(t.Function.Parameters),
			})
		}
		body["tools"] = defs
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	return &Request{
		URL: base + "/v1/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"X-Api-Key":         cfg.APIKey,
			"Anthropic-Version": anthropicVersion,
		},
		Body: raw,
	}, nil
}

// ParseFrame interprets one SSE frame. Unknown or malformed frames return no
// events.
func (a *AnthropicAdapter) ParseFrame(f Frame) []chat.AgentEvent {
	var payload struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
		slog.Debug("anthropic: skipping malformed frame", "event", f.Event, "err", err)
		return nil
	}

	kind := f.Event
	if kind == "" {
		kind = payload.Type
	}

	switch kind {
	case "message_start":
		a.usage.Add(payload.Message.Usage.toUsage())
		return []chat.AgentEvent{{Type: chat.EventMessageStart}}

	case "content_block_start":
		if payload.ContentBlock.Type != "tool_use" {
			return nil
		}
		events := a.flushText()
		a.tools[payload.Index] = &toolAccum{id: payload.ContentBlock.ID, name: payload.ContentBlock.Name}
		a.toolOrder = append(a.toolOrder, payload.Index)
		return append(events, chat.AgentEvent{
			Type: chat.EventToolUseStart, ToolID: payload.ContentBlock.ID, ToolName: payload.ContentBlock.Name,
		})

	case "content_block_delta":
		switch payload.Delta.Type {
		case "text_delta":
			a.textBuf += payload.Delta.Text
			a.textDirty = true
			return []chat.AgentEvent{{Type: chat.EventTextDelta, Text: payload.Delta.Text}}
		case "input_json_delta":
			acc, ok := a.tools[payload.Index]
			if !ok {
				return nil
			}
			acc.buf += payload.Delta.PartialJSON
			return []chat.AgentEvent{{
				Type: chat.EventToolUseInputDelta, ToolID: acc.id, ToolName: acc.name,
				InputDelta: payload.Delta.PartialJSON,
			}}
		}
		return nil

	case "content_block_stop":
		acc, ok := a.tools[payload.Index]
		if !ok || acc.closed {
			return nil
		}
		acc.closed = true
		return []chat.AgentEvent{a.toolDone(acc)}

	case "message_delta":
		if payload.Delta.StopReason != "" {
			a.stop = payload.Delta.StopReason
		}
		a.usage.Add(payload.Usage.toUsage())
		return nil

	case "message_stop":
		return a.finish()
	}

	return nil
}

// finish flushes pending text, closes any still-open tool calls and emits
// usage followed by turn_end.
func (a *AnthropicAdapter) finish() []chat.AgentEvent {
	events := a.flushText()
	for _, idx := range a.toolOrder {
		acc := a.tools[idx]
		if !acc.closed {
			acc.closed = true
			events = append(events, a.toolDone(acc))
		}
	}

	usage := a.usage
	cost := a.pricing.Estimate(a.model, usage)
	events = append(events, chat.AgentEvent{Type: chat.EventUsage, Usage: &usage, Cost: &cost})

	reason := mapAnthropicStop(a.stop)
	// A provider stop reason never outranks the stream contents: any
	// accumulated tool call means the model wants tools run.
	if len(a.toolOrder) > 0 {
		reason = chat.StopToolUse
	}
	return append(events, chat.AgentEvent{Type: chat.EventTurnEnd, StopReason: reason})
}

// toolDone parses the accumulated argument buffer. Malformed JSON is
// discarded as empty input rather than failing the turn.
func (a *AnthropicAdapter) toolDone(acc *toolAccum) chat.AgentEvent {
	input := parseToolInput(acc.buf)
	return chat.AgentEvent{Type: chat.EventToolUseDone, ToolID: acc.id, ToolName: acc.name, Input: input}
}

// flushText emits and drains the accumulated text as text_done, if any.
// Draining matters: a text block following a tool_use block must not replay
// what an earlier flush already emitted.
func (a *AnthropicAdapter) flushText() []chat.AgentEvent {
	if !a.textDirty {
		return nil
	}
	text := a.textBuf
	a.textBuf = ""
	a.textDirty = false
	return []chat.AgentEvent{{Type: chat.EventTextDone, Text: text}}
}

// ExtractUsage reads the usage object of a non-streamed Messages response.
func (a *AnthropicAdapter) ExtractUsage(raw []byte) chat.TokenUsage {
	var resp struct {
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return chat.TokenUsage{}
	}
	return resp.Usage.toUsage()
}

func (a *AnthropicAdapter) EstimateCost(model string, usage chat.TokenUsage) chat.CostEstimate {
	return a.pricing.Estimate(model, usage)
}

// ResetState clears all per-turn accumulation.
func (a *AnthropicAdapter) ResetState() {
	a.textBuf = ""
	a.textDirty = false
	a.tools = make(map[int]*toolAccum)
	a.toolOrder = nil
	a.stop = ""
	a.usage = chat.TokenUsage{}
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u anthropicUsage) toUsage() chat.TokenUsage {
	return chat.TokenUsage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

func mapAnthropicStop(reason string) chat.StopReason {
	switch reason {
	case "tool_use":
		return chat.StopToolUse
	case "max_tokens":
		return chat.StopMaxTokens
	default:
		return chat.StopEndTurn
	}
}

// parseToolInput decodes an accumulated argument buffer, tolerating empty
// and malformed JSON as empty input.
func parseToolInput(buf string) map[string]any {
	if buf == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(buf), &input); err != nil || input == nil {
		slog.Warn("discarding malformed tool input", "len", len(buf))
		return map[string]any{}
	}
	return input
}
