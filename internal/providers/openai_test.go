package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

func feedAll(t *testing.T, a Adapter, datas ...string) []chat.AgentEvent {
	t.Helper()
	var events []chat.AgentEvent
	for _, d := range datas {
		events = append(events, a.ParseFrame(Frame{Data: d})...)
	}
	return events
}

func eventTypes(events []chat.AgentEvent) []chat.EventType {
	out := make([]chat.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func lastEvent(t *testing.T, events []chat.AgentEvent) chat.AgentEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

func TestOpenAI_TextChunksFlushAsOneTextDone(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo wo"}}]}`,
		`{"choices":[{"delta":{"content":"rld"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)

	var done []chat.AgentEvent
	for _, e := range events {
		if e.Type == chat.EventTextDone {
			done = append(done, e)
		}
	}
	if len(done) != 1 {
		t.Fatalf("expected exactly one text_done, got %d (%v)", len(done), eventTypes(events))
	}
	if done[0].Text != "Hello world" {
		t.Errorf("text_done = %q", done[0].Text)
	}
	if last := lastEvent(t, events); last.Type != chat.EventTurnEnd || last.StopReason != chat.StopEndTurn {
		t.Errorf("turn should end with end_turn, got %+v", last)
	}
}

func TestOpenAI_TextAfterToolCallNotReplayed(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)

	var dones []string
	var starts int
	for _, e := range events {
		switch e.Type {
		case chat.EventTextDone:
			dones = append(dones, e.Text)
		case chat.EventMessageStart:
			starts++
		}
	}
	// The pre-tool text is flushed at the tool boundary; the post-tool text
	// is a fresh block and must not carry the earlier prefix.
	if len(dones) != 2 || dones[0] != "Hello" || dones[1] != " world" {
		t.Fatalf("text_done texts = %q, want [\"Hello\" \" world\"]", dones)
	}
	if starts != 1 {
		t.Errorf("expected one message_start, got %d", starts)
	}
}

func TestOpenAI_StopReasonOverriddenByAccumulatedToolCalls(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.txt\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)

	last := lastEvent(t, events)
	if last.Type != chat.EventTurnEnd {
		t.Fatalf("last event = %v", last.Type)
	}
	if last.StopReason != chat.StopToolUse {
		t.Errorf("literal \"stop\" with accumulated tool calls must surface tool_use, got %v", last.StopReason)
	}

	var dones []chat.AgentEvent
	for _, e := range events {
		if e.Type == chat.EventToolUseDone {
			dones = append(dones, e)
		}
	}
	if len(dones) != 1 {
		t.Fatalf("expected 1 tool_use_done, got %d", len(dones))
	}
	if dones[0].ToolName != "read_file" || dones[0].Input["path"] != "a.txt" {
		t.Errorf("accumulated input mismatch: %+v", dones[0])
	}
}

func TestOpenAI_ZeroToolCallsStopMapsToEndTurn(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"content":"done"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	if last := lastEvent(t, events); last.StopReason != chat.StopEndTurn {
		t.Errorf("stop reason = %v", last.StopReason)
	}
}

func TestOpenAI_TextFlushedBeforeToolEvents(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"content":"let me check"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"look","arguments":"{}"}}]}}]}`,
		`[DONE]`,
	)

	textDoneIdx, toolStartIdx := -1, -1
	for i, e := range events {
		switch e.Type {
		case chat.EventTextDone:
			textDoneIdx = i
		case chat.EventToolUseStart:
			toolStartIdx = i
		}
	}
	if textDoneIdx < 0 || toolStartIdx < 0 || textDoneIdx > toolStartIdx {
		t.Errorf("text_done must precede tool_use_start: %v", eventTypes(events))
	}
}

func TestOpenAI_MalformedToolArgsBecomeEmptyInput(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"x","arguments":"{not json"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	for _, e := range events {
		if e.Type == chat.EventToolUseDone {
			if len(e.Input) != 0 {
				t.Errorf("malformed args should yield empty input, got %v", e.Input)
			}
			return
		}
	}
	t.Fatal("no tool_use_done emitted")
}

func TestOpenAI_MalformedFrameSkipped(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	if events := a.ParseFrame(Frame{Data: "{truncated"}); len(events) != 0 {
		t.Errorf("malformed frame should yield no events, got %v", events)
	}
}

func TestOpenAI_MultipleToolCallsKeepProviderOrder(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	events := feedAll(t, a,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"first","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c1","function":{"name":"second","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)

	var names []string
	for _, e := range events {
		if e.Type == chat.EventToolUseDone {
			names = append(names, e.ToolName)
		}
	}
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("tool_use_done order = %v", names)
	}
}

func TestOpenAI_BuildRequest_SystemPromptAndToolResults(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	msgs := []chat.Message{
		chat.UserText("hi"),
		{Role: chat.RoleAssistant, Content: []chat.ContentBlock{
			chat.ToolUseBlock("c1", "read_file", map[string]any{"path": "a"}),
		}},
		{Role: chat.RoleUser, Content: []chat.ContentBlock{
			chat.ToolResultBlock("c1", "contents", false),
		}},
	}

	req, err := a.BuildRequest(msgs, nil, RequestConfig{Model: "gpt-4o", SystemPrompt: "be terse", APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(req.URL, "/chat/completions") {
		t.Errorf("url = %q", req.URL)
	}
	if req.Headers["Authorization"] != "Bearer k" {
		t.Errorf("auth header = %q", req.Headers["Authorization"])
	}

	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Messages[0]["role"] != "system" || body.Messages[0]["content"] != "be terse" {
		t.Errorf("system prompt must be the first message: %+v", body.Messages[0])
	}

	var toolMsg map[string]any
	for _, m := range body.Messages {
		if m["role"] == "tool" {
			toolMsg = m
		}
	}
	if toolMsg == nil || toolMsg["tool_call_id"] != "c1" {
		t.Errorf("tool result not encoded as tool-role message: %+v", body.Messages)
	}
}

func TestOpenAI_BuildRequest_InlineToolResultFallback(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	msgs := []chat.Message{
		{Role: chat.RoleUser, Content: []chat.ContentBlock{
			chat.ToolResultBlock("c1", "output", true),
		}},
	}
	req, err := a.BuildRequest(msgs, nil, RequestConfig{Model: "m", InlineToolResults: true})
	if err != nil {
		t.Fatal(err)
	}

	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatal(err)
	}
	for _, m := range body.Messages {
		if m["role"] == "tool" {
			t.Fatalf("inline mode must not emit tool-role messages: %+v", body.Messages)
		}
	}
	if len(body.Messages) != 1 || !strings.Contains(body.Messages[0]["content"].(string), "output") {
		t.Errorf("tool result not inlined as text: %+v", body.Messages)
	}
}

func TestOpenAI_BuildRequest_BackfillsEmptyProperties(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	tools := []ToolDefinition{{
		Type:     "function",
		Function: ToolFunctionSchema{Name: "ping", Description: "no args"},
	}}
	req, err := a.BuildRequest([]chat.Message{chat.UserText("x")}, tools, RequestConfig{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	var body struct {
		Tools []struct {
			Function struct {
				Parameters map[string]any `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatal(err)
	}
	params := body.Tools[0].Function.Parameters
	if params["type"] != "object" {
		t.Errorf("type = %v", params["type"])
	}
	if _, ok := params["properties"]; !ok {
		t.Error("properties must be backfilled for schemaless tools")
	}
}

func TestOpenAI_ResetStateClearsAccumulation(t *testing.T) {
	a := NewOpenAIAdapter("openai")
	feedAll(t, a,
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"x","arguments":"{"}}]}}]}`,
	)
	a.ResetState()

	events := feedAll(t, a,
		`{"choices":[{"delta":{"content":"clean"}}]}`,
		`[DONE]`,
	)
	for _, e := range events {
		if e.Type == chat.EventTextDone && e.Text != "clean" {
			t.Errorf("stale text survived reset: %q", e.Text)
		}
		if e.Type == chat.EventToolUseDone {
			t.Error("stale tool call survived reset")
		}
	}
}
