package tools

import (
	"context"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Executor adapts a Registry to the loop's tool-execution callback for one
// agent. The agent id scopes rate limiting.
type Executor struct {
	reg     *Registry
	agentID string
}

func NewExecutor(reg *Registry, agentID string) *Executor {
	return &Executor{reg: reg, agentID: agentID}
}

func (e *Executor) Definitions() []providers.ToolDefinition {
	return e.reg.ProviderDefs()
}

func (e *Executor) Execute(ctx context.Context, name string, input map[string]any) agent.ToolResult {
	res := e.reg.Execute(ctx, name, e.agentID, input)
	content := res.ForLLM
	if content == "" && res.IsError {
		content = "tool " + name + " failed"
	}
	return agent.ToolResult{Content: content, IsError: res.IsError}
}
