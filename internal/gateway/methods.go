package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
	"github.com/nextlevelbuilder/agentd/internal/runner"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// registerMethods wires all RPC methods onto the server's router.
func registerMethods(s *Server) {
	m := &methods{server: s}
	r := s.router

	r.Register(protocol.MethodChatSend, m.handleChatSend)
	r.Register(protocol.MethodChatHistory, m.handleChatHistory)
	r.Register(protocol.MethodSubscribe, m.handleSubscribe)
	r.Register(protocol.MethodUnsubscribe, m.handleUnsubscribe)

	r.Register(protocol.MethodPause, m.runnerMethod((*runner.Runner).Pause))
	r.Register(protocol.MethodResume, m.runnerMethod((*runner.Runner).Resume))
	r.Register(protocol.MethodStop, m.runnerMethod((*runner.Runner).Stop))
	r.Register(protocol.MethodIntervene, m.runnerMethod((*runner.Runner).InterveneStart))
	r.Register(protocol.MethodInterveneEnd, m.handleInterveneEnd)

	r.Register(protocol.MethodToolRegister, s.bridge.HandleRegister)
	r.Register(protocol.MethodToolResult, s.bridge.HandleResult)

	r.Register(protocol.MethodSessionsList, m.handleSessionsList)
	r.Register(protocol.MethodCronList, m.handleCronList)
	r.Register(protocol.MethodCronAdd, m.handleCronAdd)
	r.Register(protocol.MethodCronRemove, m.handleCronRemove)
}

type methods struct {
	server *Server
}

// agentIDFromParams extracts and normalizes the agent id, defaulting when
// the client omits it.
func agentIDFromParams(raw json.RawMessage) string {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if raw != nil {
		json.Unmarshal(raw, &params)
	}
	if params.AgentID == "" {
		return config.DefaultAgentID
	}
	return config.NormalizeAgentID(params.AgentID)
}

type chatSendParams struct {
	Message string `json:"message"`
	AgentID string `json:"agentId"`
}

func (m *methods) handleChatSend(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	s := m.server

	// Rate limit per user, falling back to connection id.
	if s.rateLimiter != nil && s.rateLimiter.Enabled() {
		key := client.UserID()
		if key == "" {
			key = client.ID()
		}
		if !s.rateLimiter.Allow(key) {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded, slow down"))
			return
		}
	}

	var params chatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	agentID := agentIDFromParams(req.Params)

	run, err := s.getRunner(ctx, agentID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	// Sending implies interest in the agent's events.
	client.Subscribe(agentID)

	wasBusy := run.IsBusy()
	if err := run.SendMessage(params.Message); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrFailedPrecondition, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"agentId": agentID,
		"state":   string(run.State()),
		"queued":  wasBusy,
	}))
}

func (m *methods) handleChatHistory(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	s := m.server
	agentID := agentIDFromParams(req.Params)

	// Prefer the live runner's conversation; fall back to the session store
	// for agents that are not resident.
	if run, ok := s.runners.Get(agentID); ok {
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
			"agentId":  agentID,
			"messages": run.Conversation(),
		}))
		return
	}

	doc, err := s.sessions.Load(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
				"agentId":  agentID,
				"messages": []any{},
			}))
			return
		}
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"agentId":  agentID,
		"messages": doc.Conversation,
	}))
}

func (m *methods) handleSubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	agentID := agentIDFromParams(req.Params)

	// Bring the runner up so events start flowing immediately.
	if _, err := m.server.getRunner(ctx, agentID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	client.Subscribe(agentID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"agentId": agentID}))
}

func (m *methods) handleUnsubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	agentID := agentIDFromParams(req.Params)
	client.Unsubscribe(agentID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"agentId": agentID}))
}

// runnerMethod adapts a plain runner lifecycle call into a method handler.
// The runner must already be resident; lifecycle calls never create one.
func (m *methods) runnerMethod(call func(*runner.Runner) error) MethodHandler {
	return func(ctx context.Context, client *Client, req *protocol.RequestFrame) {
		agentID := agentIDFromParams(req.Params)
		run, ok := m.server.runners.Get(agentID)
		if !ok {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no runner for agent "+agentID))
			return
		}
		if err := call(run); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrFailedPrecondition, err.Error()))
			return
		}
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
			"agentId": agentID,
			"state":   string(run.State()),
		}))
	}
}

func (m *methods) handleInterveneEnd(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agentId"`
		Note    string `json:"note"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	agentID := agentIDFromParams(req.Params)

	run, ok := m.server.runners.Get(agentID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no runner for agent "+agentID))
		return
	}
	if err := run.InterveneEnd(params.Note); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrFailedPrecondition, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"agentId": agentID,
		"state":   string(run.State()),
	}))
}

func (m *methods) handleSessionsList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	metas, err := m.server.sessions.List(ctx)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"sessions": metas,
	}))
}

// --- Cron methods ---

func (m *methods) cronService(client *Client, req *protocol.RequestFrame) (*cron.Service, bool) {
	if m.server.cron == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "cron is disabled"))
		return nil, false
	}
	return m.server.cron, true
}

func (m *methods) handleCronList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	cs, ok := m.cronService(client, req)
	if !ok {
		return
	}
	var params struct {
		IncludeDisabled bool `json:"includeDisabled"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"jobs": cs.ListJobs(params.IncludeDisabled),
	}))
}

func (m *methods) handleCronAdd(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	cs, ok := m.cronService(client, req)
	if !ok {
		return
	}
	var params struct {
		Name     string        `json:"name"`
		Schedule cron.Schedule `json:"schedule"`
		Message  string        `json:"message"`
		AgentID  string        `json:"agentId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.Message == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	agentID := config.NormalizeAgentID(params.AgentID)
	if params.AgentID == "" {
		agentID = config.DefaultAgentID
	}

	job, err := cs.AddJob(params.Name, params.Schedule, params.Message, agentID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	slog.Info("cron job added", "job", job.ID, "agent", agentID, "client", client.ID())
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"job": job}))
}

func (m *methods) handleCronRemove(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	cs, ok := m.cronService(client, req)
	if !ok {
		return
	}
	var params struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.JobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return
	}
	if err := cs.RemoveJob(params.JobID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"removed": params.JobID}))
}
