package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/runner"
	storefile "github.com/nextlevelbuilder/agentd/internal/store/file"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// stubTransport serves one canned SSE stream per model call.
type stubTransport struct {
	streams []string
}

func (s *stubTransport) Open(_ context.Context, _ *providers.Request) (io.ReadCloser, error) {
	if len(s.streams) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	stream := s.streams[0]
	s.streams = s.streams[1:]
	return io.NopCloser(strings.NewReader(stream)), nil
}

func textTurnStream(text string) string {
	var b strings.Builder
	for _, c := range []string{
		`{"choices":[{"delta":{"content":"` + text + `"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
	} {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

type testGateway struct {
	server  *Server
	ts      *httptest.Server
	tools   *tools.Registry
	runners *runner.Registry
}

func newTestGateway(t *testing.T, token string) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.Token = token

	sessions := storefile.NewSessionStore(t.TempDir(), nil)
	reg := tools.NewRegistry()

	factory := func(agentID string) (*runner.Runner, error) {
		return runner.NewRunner(runner.Config{
			AgentID: agentID,
			Loop: agent.LoopConfig{
				ID:        agentID,
				Model:     "gpt-4o",
				Adapter:   providers.NewOpenAIAdapter("openai"),
				Transport: &stubTransport{streams: []string{textTurnStream("hello"), textTurnStream("again")}},
				Tools:     tools.NewExecutor(reg, agentID),
			},
			Store: sessions,
		}), nil
	}
	runners := runner.NewRegistry(factory, sessions)

	s := NewServer(cfg, Deps{Runners: runners, Sessions: sessions, Tools: reg})
	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(func() {
		ts.Close()
		runners.Shutdown()
	})
	return &testGateway{server: s, ts: ts, tools: reg, runners: runners}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wireFrame covers both response and event frames for test assertions.
type wireFrame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
	Event   string               `json:"event"`
	AgentID string               `json:"agent_id"`
	Seq     int64                `json:"seq"`
}

func sendReq(t *testing.T, conn *websocket.Conn, method string, params any) string {
	t.Helper()
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	data, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return id
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

// awaitResponse reads frames, skipping events, until the response arrives.
func awaitResponse(t *testing.T, conn *websocket.Conn, reqID string) wireFrame {
	t.Helper()
	for i := 0; i < 100; i++ {
		f := readFrame(t, conn)
		if f.Type == protocol.FrameTypeResponse && f.ID == reqID {
			return f
		}
	}
	t.Fatal("response never arrived")
	return wireFrame{}
}

// awaitRunnerEvent reads frames until a runner event with the given subtype.
func awaitRunnerEvent(t *testing.T, conn *websocket.Conn, subtype string) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		f := readFrame(t, conn)
		if f.Type != protocol.FrameTypeEvent || f.Event != protocol.EventRunner {
			continue
		}
		var payload struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			t.Fatalf("unmarshal runner payload: %v", err)
		}
		if payload.Type == subtype {
			return payload.Data
		}
	}
	t.Fatalf("runner event %q never arrived", subtype)
	return nil
}

func connect(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	id := sendReq(t, conn, protocol.MethodConnect, map[string]any{"token": token})
	resp := awaitResponse(t, conn, id)
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	g := newTestGateway(t, "secret")
	conn := g.dial(t)

	id := sendReq(t, conn, protocol.MethodConnect, map[string]any{"token": "wrong"})
	resp := awaitResponse(t, conn, id)
	if resp.OK {
		t.Fatal("connect accepted a bad token")
	}
	if resp.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("code = %q, want UNAUTHORIZED", resp.Error.Code)
	}
}

func TestRequestBeforeConnectRejected(t *testing.T) {
	g := newTestGateway(t, "secret")
	conn := g.dial(t)

	id := sendReq(t, conn, protocol.MethodStatus, nil)
	resp := awaitResponse(t, conn, id)
	if resp.OK || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", resp)
	}
}

func TestConnectHandshake(t *testing.T) {
	g := newTestGateway(t, "secret")
	conn := g.dial(t)

	id := sendReq(t, conn, protocol.MethodConnect, map[string]any{"token": "secret", "user_id": "u1"})
	resp := awaitResponse(t, conn, id)
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	var payload struct {
		Protocol int    `json:"protocol"`
		UserID   string `json:"user_id"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Protocol != protocol.ProtocolVersion {
		t.Errorf("protocol = %d", payload.Protocol)
	}
	if payload.UserID != "u1" {
		t.Errorf("user_id = %q", payload.UserID)
	}
}

func TestUnknownMethod(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t)
	connect(t, conn, "")

	id := sendReq(t, conn, "no.such.method", nil)
	resp := awaitResponse(t, conn, id)
	if resp.OK || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %+v", resp)
	}
}

func TestChatSendRunsTurn(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t)
	connect(t, conn, "")

	id := sendReq(t, conn, protocol.MethodChatSend, map[string]any{
		"agentId": "Main",
		"message": "hi there",
	})
	resp := awaitResponse(t, conn, id)
	if !resp.OK {
		t.Fatalf("chat.send failed: %+v", resp.Error)
	}
	var payload struct {
		AgentID string `json:"agentId"`
		Queued  bool   `json:"queued"`
	}
	json.Unmarshal(resp.Payload, &payload)
	if payload.AgentID != "main" {
		t.Errorf("agentId = %q, want normalized", payload.AgentID)
	}

	awaitRunnerEvent(t, conn, "loop_complete")

	hid := sendReq(t, conn, protocol.MethodChatHistory, map[string]any{"agentId": "main"})
	hresp := awaitResponse(t, conn, hid)
	if !hresp.OK {
		t.Fatalf("chat.history failed: %+v", hresp.Error)
	}
	var hist struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(hresp.Payload, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Messages) != 2 {
		t.Errorf("history = %d messages, want 2", len(hist.Messages))
	}
}

func TestRunnerLifecycleMethods(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t)
	connect(t, conn, "")

	// Lifecycle calls never create runners.
	id := sendReq(t, conn, protocol.MethodPause, map[string]any{"agentId": "ghost"})
	resp := awaitResponse(t, conn, id)
	if resp.OK || resp.Error.Code != protocol.ErrNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}

	// Subscribe brings the runner up.
	id = sendReq(t, conn, protocol.MethodSubscribe, map[string]any{"agentId": "main"})
	if resp = awaitResponse(t, conn, id); !resp.OK {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}

	id = sendReq(t, conn, protocol.MethodPause, map[string]any{"agentId": "main"})
	if resp = awaitResponse(t, conn, id); !resp.OK {
		t.Fatalf("pause failed: %+v", resp.Error)
	}
	var st struct {
		State string `json:"state"`
	}
	json.Unmarshal(resp.Payload, &st)
	if st.State != "paused" {
		t.Errorf("state = %q, want paused", st.State)
	}

	id = sendReq(t, conn, protocol.MethodResume, map[string]any{"agentId": "main"})
	if resp = awaitResponse(t, conn, id); !resp.OK {
		t.Fatalf("resume failed: %+v", resp.Error)
	}
	json.Unmarshal(resp.Payload, &st)
	if st.State != "running" {
		t.Errorf("state = %q, want running", st.State)
	}
}

func TestRemoteToolBridge(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t)
	connect(t, conn, "")

	id := sendReq(t, conn, protocol.MethodToolRegister, map[string]any{
		"tools": []map[string]any{{
			"name":        "remote_echo",
			"description": "echoes its input",
			"parameters":  map[string]any{"type": "object"},
		}},
	})
	if resp := awaitResponse(t, conn, id); !resp.OK {
		t.Fatalf("tool.register failed: %+v", resp.Error)
	}
	if _, ok := g.tools.Get("remote_echo"); !ok {
		t.Fatal("remote tool not in registry")
	}

	// Execute through the registry; answer the tool.call from the client.
	done := make(chan *tools.Result, 1)
	go func() {
		done <- g.tools.Execute(context.Background(), "remote_echo", "k", map[string]any{"text": "ping"})
	}()

	var callID string
	for i := 0; i < 100; i++ {
		f := readFrame(t, conn)
		if f.Type == protocol.FrameTypeEvent && f.Event == protocol.EventToolCall {
			var payload struct {
				CallID string         `json:"callId"`
				Name   string         `json:"name"`
				Args   map[string]any `json:"args"`
			}
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				t.Fatalf("unmarshal tool.call: %v", err)
			}
			if payload.Name != "remote_echo" || payload.Args["text"] != "ping" {
				t.Fatalf("unexpected call: %+v", payload)
			}
			callID = payload.CallID
			break
		}
	}
	if callID == "" {
		t.Fatal("tool.call event never arrived")
	}

	rid := sendReq(t, conn, protocol.MethodToolResult, map[string]any{
		"callId":  callID,
		"content": "pong",
	})
	if resp := awaitResponse(t, conn, rid); !resp.OK {
		t.Fatalf("tool.result failed: %+v", resp.Error)
	}

	select {
	case res := <-done:
		if res.IsError || res.ForLLM != "pong" {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remote execution never completed")
	}

	// Disconnect unregisters the client's tools.
	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := g.tools.Get("remote_echo"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tool still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
