// Package gateway exposes the runner fleet over a WebSocket RPC protocol.
// Clients connect, authenticate, subscribe to agents, and drive runners
// through request/response frames; runner and agent events are pushed back
// as event frames. Remote tool executors register their tools over the same
// connection and answer tool.call events with tool.result.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
	"github.com/nextlevelbuilder/agentd/internal/runner"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Server accepts WebSocket connections and routes protocol frames.
type Server struct {
	cfg      *config.Config
	runners  *runner.Registry
	sessions store.SessionStore
	tools    *tools.Registry
	cron     *cron.Service

	router      *MethodRouter
	rateLimiter *RateLimiter
	bridge      *ToolBridge

	mu       sync.RWMutex
	clients  map[string]*Client
	attached map[string]bool // agent ids with runner subscriptions installed

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Deps carries the services the gateway fronts. Cron is optional.
type Deps struct {
	Runners  *runner.Registry
	Sessions store.SessionStore
	Tools    *tools.Registry
	Cron     *cron.Service
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		runners:  deps.Runners,
		sessions: deps.Sessions,
		tools:    deps.Tools,
		cron:     deps.Cron,
		clients:  make(map[string]*Client),
		attached: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway binds to loopback by default; origin checks are
			// the deployment's concern when it is exposed further.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RPM, cfg.Gateway.Burst)
	s.bridge = NewToolBridge(s, deps.Tools)
	s.router = NewMethodRouter(s)
	registerMethods(s)
	return s
}

// Start begins serving on the configured address. Non-blocking.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.ClientCount())
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.Gateway.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", s.cfg.Gateway.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()
	return nil
}

// Shutdown notifies clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Broadcast(protocol.NewEvent(protocol.EventShutdown, "", map[string]any{
		"reason": "server stopping",
	}))

	s.mu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := NewClient(conn, s)
	s.addClient(client)
	slog.Info("client connected", "client", client.id, "remote", r.RemoteAddr)

	client.Run(r.Context())

	s.removeClient(client)
	slog.Info("client disconnected", "client", client.id)
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bridge.ClientGone(c.id)
	c.Close()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast pushes an event frame to every connected client.
func (s *Server) Broadcast(event *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(*event)
	}
}

// getRunner resolves an agent's runner, creating and starting it on first
// use, and wires its events into the gateway fan-out exactly once.
func (s *Server) getRunner(ctx context.Context, agentID string) (*runner.Runner, error) {
	run, err := s.runners.GetOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.attachRunner(run)
	return run, nil
}

func (s *Server) attachRunner(run *runner.Runner) {
	s.mu.Lock()
	if s.attached[run.ID()] {
		s.mu.Unlock()
		return
	}
	s.attached[run.ID()] = true
	s.mu.Unlock()

	agentID := run.ID()
	run.Subscribe("gateway", func(ev runner.Event) {
		s.fanOut(agentID, protocol.NewEvent(protocol.EventRunner, agentID, map[string]any{
			"type": string(ev.Type),
			"data": ev.Data,
			"ts":   ev.Timestamp,
		}))
	})
	run.SubscribeAgentEvents("gateway", func(ev chat.AgentEvent) {
		s.fanOut(agentID, protocol.NewEvent(protocol.EventAgent, agentID, ev))
	})
}

// fanOut delivers an event to every client subscribed to the agent.
func (s *Server) fanOut(agentID string, event *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.SubscribedTo(agentID) {
			c.SendEvent(*event)
		}
	}
}
