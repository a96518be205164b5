package tools

import (
	"context"
	"strings"
	"testing"
)

// mockTool is a minimal tool for testing the registry.
type mockTool struct {
	name   string
	execFn func(ctx context.Context, args map[string]any) *Result
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "mock tool" }
func (m *mockTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (m *mockTool) Execute(ctx context.Context, args map[string]any) *Result {
	if m.execFn != nil {
		return m.execFn(ctx, args)
	}
	return NewResult("ok")
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "test_tool"})

	got, ok := reg.Get("test_tool")
	if !ok {
		t.Fatal("tool not found")
	}
	if got.Name() != "test_tool" {
		t.Errorf("expected test_tool, got %s", got.Name())
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	res := reg.Execute(context.Background(), "nope", "a1", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry_ExecuteRecoversPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "bomb", execFn: func(context.Context, map[string]any) *Result {
		panic("boom")
	}})

	res := reg.Execute(context.Background(), "bomb", "a1", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "crashed") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry_ExecuteScrubsCredentials(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "leaky", execFn: func(context.Context, map[string]any) *Result {
		return NewResult("found sk-abcdefghijklmnopqrstuvwxyz1234567890 in env")
	}})

	res := reg.Execute(context.Background(), "leaky", "a1", nil)
	if strings.Contains(res.ForLLM, "sk-abcdef") {
		t.Errorf("credential not scrubbed: %s", res.ForLLM)
	}
}

func TestRegistry_RateLimit(t *testing.T) {
	reg := NewRegistry()
	reg.SetRateLimiter(NewToolRateLimiter(1))
	reg.Register(&mockTool{name: "t"})

	if res := reg.Execute(context.Background(), "t", "a1", nil); res.IsError {
		t.Fatalf("first call limited: %+v", res)
	}
	if res := reg.Execute(context.Background(), "t", "a1", nil); !res.IsError {
		t.Fatal("second call should hit the rate limit")
	}
	// a different agent has its own window
	if res := reg.Execute(context.Background(), "t", "a2", nil); res.IsError {
		t.Fatalf("other agent limited: %+v", res)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "t1"})
	reg.Unregister("t1")
	if _, ok := reg.Get("t1"); ok {
		t.Error("tool should be unregistered")
	}
}

func TestExecutor_AdaptsResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "echo", execFn: func(_ context.Context, args map[string]any) *Result {
		return ResultFromAny(args["value"])
	}})
	ex := NewExecutor(reg, "a1")

	defs := ex.Definitions()
	if len(defs) != 1 || defs[0].Function.Name != "echo" {
		t.Fatalf("definitions = %+v", defs)
	}

	out := ex.Execute(context.Background(), "echo", map[string]any{"value": "hi"})
	if out.IsError || out.Content != "hi" {
		t.Errorf("string result = %+v", out)
	}

	out = ex.Execute(context.Background(), "echo", map[string]any{"value": map[string]any{"n": 1}})
	if out.Content != `{"n":1}` {
		t.Errorf("structured result = %+v", out)
	}

	out = ex.Execute(context.Background(), "missing", nil)
	if !out.IsError {
		t.Error("unknown tool must surface as error result")
	}
}

func TestResultFromAny_UnserializableFallsBack(t *testing.T) {
	// channels cannot be JSON encoded
	res := ResultFromAny(map[string]any{"ch": make(chan int)})
	if res.ForLLM != unserializablePlaceholder {
		t.Errorf("result = %+v", res)
	}
	if res.IsError {
		t.Error("placeholder substitution must not fail the turn")
	}
}
