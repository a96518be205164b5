package agent

import (
	"context"

	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Agent is the core abstraction for an AI agent execution loop.
// Implemented by *Loop; extracted as an interface for testability and composability.
type Agent interface {
	ID() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	IsRunning() bool
	Model() string
}

// RunRequest is one user turn handed to the loop.
type RunRequest struct {
	// UserMessage is the message that starts the turn. The loop stamps it
	// with Turn before appending.
	UserMessage chat.Message

	// Turn is the runner-assigned turn identifier ("t1", "t2", ...).
	Turn string

	// History is the conversation so far. The loop never mutates it; the
	// result carries the extended copy.
	History []chat.Message

	// TerseLog feeds slim-mode context assembly.
	TerseLog []chat.TerseEntry

	// OnEvent receives every canonical event of the turn. Optional.
	OnEvent chat.EventHandler
}

// RunResult is the outcome of one completed user turn (possibly spanning
// several model calls when tools were involved).
type RunResult struct {
	// Messages is the full updated conversation: history + user message +
	// everything the turn produced.
	Messages []chat.Message

	// Text is the assistant's final text output.
	Text string

	StopReason chat.StopReason
	Usage      chat.TokenUsage
	Cost       chat.CostEstimate

	// Iterations is how many model calls the turn took.
	Iterations int
}

// ToolResult is the opaque outcome of one tool call, inserted into a
// tool_result block. The executor must never panic; refusals (paused or
// stopped runs) come back as error-flagged results.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolExecutor supplies tool definitions for the request and executes calls
// the model makes. The loop has no knowledge of what a tool does.
type ToolExecutor interface {
	Definitions() []providers.ToolDefinition
	Execute(ctx context.Context, name string, input map[string]any) ToolResult
}

// NoTools is a ToolExecutor that offers nothing and refuses everything.
type NoTools struct{}

func (NoTools) Definitions() []providers.ToolDefinition { return nil }
func (NoTools) Execute(context.Context, string, map[string]any) ToolResult {
	return ToolResult{Content: "no tools available", IsError: true}
}
