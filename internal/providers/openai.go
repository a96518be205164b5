package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

const openaiDefaultBase = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI chat-completions wire protocol and its
// many compatible clones. Quirks handled here:
//   - the system prompt is a leading system-role message, not a field;
//   - tool results are "tool"-role messages keyed by tool_call_id, or plain
//     user text when the provider rejects tool-call history;
//   - tool-call arguments stream as per-index fragments that must be
//     accumulated until the provider signals end-of-turn;
//   - finish_reason "stop" is reported even when the model just emitted tool
//     calls, so accumulated calls override the literal reason.
type OpenAIAdapter struct {
	family  string // registry name: "openai", "openrouter", "dashscope", ...
	pricing *PricingTable

	// per-turn accumulation
	model     string
	started   bool // message_start emitted
	textBuf   string
	textDirty bool
	calls     map[int]*toolAccum // keyed by the provider-assigned index
	callOrder []int
	finish    string
	usage     chat.TokenUsage
	finished  bool
}

// NewOpenAIAdapter creates an adapter for the given OpenAI-compatible family
// name. The family selects schema cleaning rules and the pricing table rows.
func NewOpenAIAdapter(family string) *OpenAIAdapter {
	if family == "" {
		family = "openai"
	}
	return &OpenAIAdapter{
		family:  family,
		pricing: DefaultPricing(),
		calls:   make(map[int]*toolAccum),
	}
}

func (a *OpenAIAdapter) Name() string { return a.family }

// BuildRequest serializes the conversation into a streamed chat-completions
// call.
func (a *OpenAIAdapter) BuildRequest(msgs []chat.Message, tools []ToolDefinition, cfg RequestConfig) (*Request, error) {
	base := cfg.APIBase
	if base == "" {
		base = openaiDefaultBase
	}
	a.model = cfg.Model

	var wire []map[string]any
	if cfg.SystemPrompt != "" {
		wire = append(wire, map[string]any{"role": "system", "content": cfg.SystemPrompt})
	}

	for _, m := range msgs {
		wire = append(wire, a.encodeMessage(m, cfg.InlineToolResults)...)
	}

	body := map[string]any{
		"model":    cfg.Model,
		"messages": wire,
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		body["temperature"] = cfg.Temperature
	}
	if len(tools) > 0 {
		cleaned := CleanToolSchemas(a.family, tools)
		defs := make([]map[string]any, 0, len(cleaned))
		for _, t := range cleaned {
			defs = append(defs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					// An absent/empty properties object makes several
					// compatible providers silently skip function calling,
					// so backfill it.
					"parameters": EnsureObjectSchema(t.Function.Parameters),
				},
			})
		}
		body["tools"] = defs
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", a.family, err)
	}

	return &Request{
		URL: base + "/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + cfg.APIKey,
		},
		Body: raw,
	}, nil
}

// encodeMessage lowers one canonical message into chat-completions messages.
// A single canonical message may expand into several wire messages (an
// assistant message with tool calls, then one tool message per result).
func (a *OpenAIAdapter) encodeMessage(m chat.Message, inlineResults bool) []map[string]any {
	var out []map[string]any

	switch m.Role {
	case chat.RoleAssistant:
		msg := map[string]any{"role": "assistant"}
		if text := m.Text(); text != "" {
			msg["content"] = text
		}
		var calls []map[string]any
		for _, b := range m.ToolUses() {
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": string(args),
				},
			})
		}
		if len(calls) > 0 {
			if inlineResults {
				// Providers that reject tool-call history get a textual
				// rendition of what the assistant invoked.
				msg["content"] = describeCalls(m)
			} else {
				msg["tool_calls"] = calls
			}
		}
		if msg["content"] != nil || msg["tool_calls"] != nil {
			out = append(out, msg)
		}

	case chat.RoleUser:
		var textParts string
		for _, b := range m.Content {
			switch b.Type {
			case chat.BlockText:
				textParts += b.Text
			case chat.BlockToolResult:
				if inlineResults {
					label := "result"
					if b.IsError {
						label = "error"
					}
					textParts += fmt.Sprintf("[tool %s %s]\n%s\n", b.ToolUseID, label, b.Content)
				} else {
					out = append(out, map[string]any{
						"role":         "tool",
						"tool_call_id": b.ToolUseID,
						"content":      b.Content,
					})
				}
			}
		}
		if textParts != "" {
			out = append(out, map[string]any{"role": "user", "content": textParts})
		}
	}

	return out
}

// describeCalls renders an assistant message's tool calls as plain text for
// the inline-results fallback.
func describeCalls(m chat.Message) string {
	text := m.Text()
	for _, b := range m.ToolUses() {
		args, _ := json.Marshal(b.Input)
		text += fmt.Sprintf("\n[called tool %s (%s) with %s]", b.Name, b.ID, args)
	}
	return text
}

// ParseFrame interprets one SSE frame of a streamed chat completion.
func (a *OpenAIAdapter) ParseFrame(f Frame) []chat.AgentEvent {
	if f.Data == "[DONE]" {
		return a.finalize()
	}

	var payload struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openaiUsage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
		slog.Debug("openai: skipping malformed frame", "family", a.family, "err", err)
		return nil
	}

	var events []chat.AgentEvent
	if a.usage == (chat.TokenUsage{}) && payload.Usage != nil {
		a.usage = payload.Usage.toUsage()
	}

	if len(payload.Choices) == 0 {
		return events
	}
	choice := payload.Choices[0]

	if choice.Delta.Content != "" {
		if !a.started {
			a.started = true
			events = append(events, chat.AgentEvent{Type: chat.EventMessageStart})
		}
		a.textBuf += choice.Delta.Content
		a.textDirty = true
		events = append(events, chat.AgentEvent{Type: chat.EventTextDelta, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := a.calls[tc.Index]
		if !ok {
			// First sight of this index: flush text and open the call.
			events = append(events, a.flushText()...)
			acc = &toolAccum{id: tc.ID, name: tc.Function.Name}
			a.calls[tc.Index] = acc
			a.callOrder = append(a.callOrder, tc.Index)
			events = append(events, chat.AgentEvent{
				Type: chat.EventToolUseStart, ToolID: acc.id, ToolName: acc.name,
			})
		}
		// Some providers only send id/name on the first fragment; others
		// repeat them. Keep the first non-empty values.
		if acc.id == "" {
			acc.id = tc.ID
		}
		if acc.name == "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.buf += tc.Function.Arguments
			events = append(events, chat.AgentEvent{
				Type: chat.EventToolUseInputDelta, ToolID: acc.id, ToolName: acc.name,
				InputDelta: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		a.finish = choice.FinishReason
	}

	return events
}

// finalize closes the turn: flush text, close accumulated tool calls in
// provider order, then usage and turn_end. Idempotent — repeated terminal
// frames emit nothing.
func (a *OpenAIAdapter) finalize() []chat.AgentEvent {
	if a.finished {
		return nil
	}
	a.finished = true

	events := a.flushText()
	for _, idx := range a.callOrder {
		acc := a.calls[idx]
		events = append(events, chat.AgentEvent{
			Type: chat.EventToolUseDone, ToolID: acc.id, ToolName: acc.name,
			Input: parseToolInput(acc.buf),
		})
	}

	usage := a.usage
	cost := a.pricing.Estimate(a.model, usage)
	events = append(events, chat.AgentEvent{Type: chat.EventUsage, Usage: &usage, Cost: &cost})

	reason := mapOpenAIFinish(a.finish)
	// Several compatible providers report "stop" even for tool-call turns.
	// The presence of accumulated calls overrides the literal reason.
	if len(a.callOrder) > 0 {
		reason = chat.StopToolUse
	}
	return append(events, chat.AgentEvent{Type: chat.EventTurnEnd, StopReason: reason})
}

// flushText emits and drains the accumulated text as text_done. Draining
// matters: text arriving after a tool-call boundary starts a fresh block and
// must not replay what an earlier flush already emitted.
func (a *OpenAIAdapter) flushText() []chat.AgentEvent {
	if !a.textDirty {
		return nil
	}
	text := a.textBuf
	a.textBuf = ""
	a.textDirty = false
	return []chat.AgentEvent{{Type: chat.EventTextDone, Text: text}}
}

// ExtractUsage reads the usage object of a non-streamed completion response.
func (a *OpenAIAdapter) ExtractUsage(raw []byte) chat.TokenUsage {
	var resp struct {
		Usage *openaiUsage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Usage == nil {
		return chat.TokenUsage{}
	}
	return resp.Usage.toUsage()
}

func (a *OpenAIAdapter) EstimateCost(model string, usage chat.TokenUsage) chat.CostEstimate {
	return a.pricing.Estimate(model, usage)
}

// ResetState clears all per-turn accumulation.
func (a *OpenAIAdapter) ResetState() {
	a.started = false
	a.textBuf = ""
	a.textDirty = false
	a.calls = make(map[int]*toolAccum)
	a.callOrder = nil
	a.finish = ""
	a.usage = chat.TokenUsage{}
	a.finished = false
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptDetails    struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u openaiUsage) toUsage() chat.TokenUsage {
	return chat.TokenUsage{
		InputTokens:     u.PromptTokens,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptDetails.CachedTokens,
	}
}

func mapOpenAIFinish(reason string) chat.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return chat.StopToolUse
	case "length":
		return chat.StopMaxTokens
	default:
		return chat.StopEndTurn
	}
}
