// Package tools provides the tool registry the agent loop executes through.
// The engine treats every tool as opaque: a name, a JSON Schema for its
// input, and an Execute that returns content for the model. Real tool
// implementations live with their hosts (hub process, sandboxed browser);
// this package carries the glue plus a couple of trivial built-ins.
package tools

import (
	"context"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Tool is the interface all tools must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// ToProviderDef converts a Tool to a providers.ToolDefinition for LLM APIs.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
