package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// remoteCallTimeout bounds how long a loop waits for a remote executor to
// answer a tool.call event.
const remoteCallTimeout = 120 * time.Second

// ToolBridge lets a connected client host tool implementations. The client
// registers tool schemas via tool.register; when a loop invokes one, the
// bridge pushes a tool.call event to the owning client and blocks until the
// matching tool.result arrives or the call times out.
type ToolBridge struct {
	server   *Server
	registry *tools.Registry

	mu      sync.Mutex
	pending map[string]chan *tools.Result // call id -> waiter
	owned   map[string][]string           // client id -> tool names
	owner   map[string]string             // tool name -> client id
}

func NewToolBridge(server *Server, registry *tools.Registry) *ToolBridge {
	return &ToolBridge{
		server:   server,
		registry: registry,
		pending:  make(map[string]chan *tools.Result),
		owned:    make(map[string][]string),
		owner:    make(map[string]string),
	}
}

type remoteToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// HandleRegister processes tool.register: the client declares the tools it
// can execute. Re-registering a name moves ownership to the new client.
func (b *ToolBridge) HandleRegister(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Tools []remoteToolDef `json:"tools"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if len(params.Tools) == 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "tools list is empty"))
		return
	}

	var names []string
	for _, def := range params.Tools {
		if def.Name == "" {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "tool name is required"))
			return
		}
		names = append(names, def.Name)
	}

	b.mu.Lock()
	for _, def := range params.Tools {
		if prev, ok := b.owner[def.Name]; ok && prev != client.id {
			slog.Info("remote tool ownership moved", "tool", def.Name, "from", prev, "to", client.id)
			b.removeOwned(prev, def.Name)
		}
		b.owner[def.Name] = client.id
		b.owned[client.id] = append(b.owned[client.id], def.Name)
	}
	b.mu.Unlock()

	for _, def := range params.Tools {
		b.registry.Register(&RemoteTool{
			bridge:      b,
			clientID:    client.id,
			name:        def.Name,
			description: def.Description,
			parameters:  def.Parameters,
		})
	}

	slog.Info("remote tools registered", "client", client.id, "count", len(names))
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"registered": names,
	}))
}

// HandleResult processes tool.result: a remote executor finished a call.
func (b *ToolBridge) HandleResult(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		CallID  string `json:"callId"`
		Content string `json:"content"`
		IsError bool   `json:"isError"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.CallID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "callId is required"))
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[params.CallID]
	if ok {
		delete(b.pending, params.CallID)
	}
	b.mu.Unlock()

	if !ok {
		// Late answer after timeout, or a call id we never issued.
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no pending call "+params.CallID))
		return
	}

	res := tools.NewResult(params.Content)
	if params.IsError {
		res = tools.ErrorResult(params.Content)
	}
	ch <- res
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"delivered": true}))
}

// ClientGone unregisters a disconnected client's tools and fails any calls
// still waiting on it.
func (b *ToolBridge) ClientGone(clientID string) {
	b.mu.Lock()
	names := b.owned[clientID]
	delete(b.owned, clientID)
	for _, name := range names {
		if b.owner[name] == clientID {
			delete(b.owner, name)
		}
	}
	b.mu.Unlock()

	for _, name := range names {
		b.registry.Unregister(name)
	}
	if len(names) > 0 {
		slog.Info("remote tools unregistered", "client", clientID, "count", len(names))
	}
}

// call pushes a tool.call event and waits for the answer.
func (b *ToolBridge) call(ctx context.Context, clientID, name string, args map[string]any) *tools.Result {
	b.server.mu.RLock()
	client, ok := b.server.clients[clientID]
	b.server.mu.RUnlock()
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("tool %s executor is disconnected", name))
	}

	callID := uuid.NewString()
	ch := make(chan *tools.Result, 1)
	b.mu.Lock()
	b.pending[callID] = ch
	b.mu.Unlock()

	client.SendEvent(*protocol.NewEvent(protocol.EventToolCall, "", map[string]any{
		"callId": callID,
		"name":   name,
		"args":   args,
	}))

	timer := time.NewTimer(remoteCallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		b.abandon(callID)
		return tools.ErrorResult(fmt.Sprintf("tool %s canceled: %v", name, ctx.Err()))
	case <-timer.C:
		b.abandon(callID)
		slog.Warn("remote tool call timed out", "tool", name, "call", callID, "client", clientID)
		return tools.ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, remoteCallTimeout))
	}
}

func (b *ToolBridge) abandon(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

// removeOwned drops one tool name from a client's ownership list. Caller
// holds b.mu.
func (b *ToolBridge) removeOwned(clientID, name string) {
	names := b.owned[clientID]
	for i, n := range names {
		if n == name {
			b.owned[clientID] = append(names[:i], names[i+1:]...)
			return
		}
	}
}

// RemoteTool is a tools.Tool whose execution happens on a connected client.
type RemoteTool struct {
	bridge      *ToolBridge
	clientID    string
	name        string
	description string
	parameters  map[string]any
}

func (t *RemoteTool) Name() string        { return t.name }
func (t *RemoteTool) Description() string { return t.description }

func (t *RemoteTool) Parameters() map[string]any {
	if t.parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.parameters
}

func (t *RemoteTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	return t.bridge.call(ctx, t.clientID, t.name, args)
}
