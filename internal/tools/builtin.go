package tools

import (
	"context"
	"time"
)

// CurrentTimeTool reports the current time. Used by scheduled runs and as a
// harmless default so a fresh registry is never empty.
type CurrentTimeTool struct{}

func (CurrentTimeTool) Name() string        { return "current_time" }
func (CurrentTimeTool) Description() string { return "Returns the current date and time in RFC 3339 format." }
func (CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (CurrentTimeTool) Execute(_ context.Context, _ map[string]any) *Result {
	return NewResult(time.Now().Format(time.RFC3339))
}
