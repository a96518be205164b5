package chat

// EventType identifies the kind of agent event emitted during a model call.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventTextDelta         EventType = "text_delta"
	EventTextDone          EventType = "text_done"
	EventToolUseStart      EventType = "tool_use_start"
	EventToolUseInputDelta EventType = "tool_use_input_delta"
	EventToolUseDone       EventType = "tool_use_done"
	EventUsage             EventType = "usage"
	EventTurnEnd           EventType = "turn_end"
)

// StopReason is why a model turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// AgentEvent is one canonical streaming event. Produced by exactly one
// provider adapter instance per turn; consumed by the loop driver.
//
// Ordering contract within one turn: accumulated text is flushed as
// text_done before any tool_use_done, and turn_end is always last.
type AgentEvent struct {
	Type EventType `json:"type"`

	// text_delta / text_done
	Text string `json:"text,omitempty"`

	// tool_use_start / tool_use_input_delta / tool_use_done
	ToolID     string         `json:"tool_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	InputDelta string         `json:"input_delta,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// usage
	Usage *TokenUsage   `json:"usage,omitempty"`
	Cost  *CostEstimate `json:"cost,omitempty"`

	// turn_end
	StopReason StopReason `json:"stop_reason,omitempty"`
}

// EventHandler receives canonical agent events. Handlers must not block;
// failures are caught and logged by the dispatcher, never propagated into
// the loop.
type EventHandler func(AgentEvent)

// TokenUsage counts tokens consumed by one or more model calls.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// CostEstimate is a dollar estimate derived from a pricing table. A zero
// value means the model was not in the table, never an error.
type CostEstimate struct {
	InputUSD  float64 `json:"input_usd"`
	OutputUSD float64 `json:"output_usd"`
	TotalUSD  float64 `json:"total_usd"`
}

// Add accumulates another estimate into c.
func (c *CostEstimate) Add(o CostEstimate) {
	c.InputUSD += o.InputUSD
	c.OutputUSD += o.OutputUSD
	c.TotalUSD += o.TotalUSD
}
