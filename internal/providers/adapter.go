// Package providers contains one adapter per LLM wire-protocol family. An
// adapter converts canonical messages and tool definitions into a
// provider-specific HTTP request, and converts the provider's streamed
// response frames into canonical chat events. Adapters are stateful across a
// single streamed turn (they accumulate partial tool-call arguments and text)
// and must be reset between turns.
package providers

import (
	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// Request is a fully built provider HTTP request. The network transport that
// executes it lives outside this package.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// RequestConfig is the per-call configuration an adapter serializes into the
// provider's wire shape.
type RequestConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	APIKey  string
	APIBase string

	// InlineToolResults rewrites tool_result blocks as plain user text for
	// providers that reject conversational tool-call history.
	InlineToolResults bool
}

// ToolDefinition describes a callable tool in the OpenAI function shape;
// adapters translate it to their provider's native schema.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the function portion of a tool definition.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Adapter is the closed per-provider-family contract. One instance serves one
// streamed turn at a time; accumulation state is scoped to the instance so
// concurrent runners using the same family never share buffers.
type Adapter interface {
	// Name returns the provider family name ("anthropic", "openai", ...).
	Name() string

	// BuildRequest serializes canonical messages into the provider's wire
	// shape: system prompt placement, tool-result encoding and schema
	// sanitization are all handled here.
	BuildRequest(msgs []chat.Message, tools []ToolDefinition, cfg RequestConfig) (*Request, error)

	// ParseFrame interprets one decoded stream frame and returns zero or
	// more canonical events. Malformed frames are skipped, never fatal.
	ParseFrame(f Frame) []chat.AgentEvent

	// ExtractUsage reads token usage out of a raw non-streamed response
	// body. Missing usage yields the zero value.
	ExtractUsage(raw []byte) chat.TokenUsage

	// EstimateCost prices a usage sample against the pricing table. An
	// unrecognized model yields a zero-cost estimate, not an error.
	EstimateCost(model string, usage chat.TokenUsage) chat.CostEstimate

	// ResetState clears all per-turn accumulation. Called between turns and
	// on error recovery.
	ResetState()
}
