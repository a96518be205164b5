package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

const (
	sessionCacheSize = 128
	sessionCacheTTL  = 15 * time.Minute
)

// Factory builds a runner for an agent id. Called by the registry when a
// message arrives for an agent with no live runner.
type Factory func(agentID string) (*Runner, error)

// Registry tracks live runners and hydrates new ones from the session
// store. Loaded session documents are kept in a TTL cache so a burst of
// lookups for the same agent does not hammer the store.
type Registry struct {
	factory Factory
	store   store.SessionStore
	cache   *expirable.LRU[string, *sessions.SerializedSession]

	mu      sync.Mutex
	runners map[string]*Runner
}

func NewRegistry(factory Factory, st store.SessionStore) *Registry {
	return &Registry{
		factory: factory,
		store:   st,
		cache:   expirable.NewLRU[string, *sessions.SerializedSession](sessionCacheSize, nil, sessionCacheTTL),
		runners: make(map[string]*Runner),
	}
}

// Get returns the live runner for the agent, if any.
func (g *Registry) Get(agentID string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[agentID]
	return r, ok
}

// GetOrCreate returns the live runner for the agent, creating and starting
// one if needed. A persisted session is restored before the first start.
func (g *Registry) GetOrCreate(ctx context.Context, agentID string) (*Runner, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.runners[agentID]; ok {
		return r, nil
	}

	r, err := g.factory(agentID)
	if err != nil {
		return nil, fmt.Errorf("create runner %s: %w", agentID, err)
	}

	if doc := g.loadSession(ctx, agentID); doc != nil {
		if err := r.Restore(doc); err != nil {
			slog.Warn("session restore failed, starting fresh", "agent", agentID, "err", err)
		}
	}
	if err := r.Start(); err != nil {
		return nil, fmt.Errorf("start runner %s: %w", agentID, err)
	}

	g.runners[agentID] = r
	return r, nil
}

// loadSession fetches a persisted session, via the TTL cache when possible.
// Failures degrade to a fresh conversation.
func (g *Registry) loadSession(ctx context.Context, agentID string) *sessions.SerializedSession {
	if doc, ok := g.cache.Get(agentID); ok {
		return doc
	}
	if g.store == nil {
		return nil
	}
	doc, err := g.store.Load(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("session load failed", "agent", agentID, "err", err)
		}
		return nil
	}
	g.cache.Add(agentID, doc)
	return doc
}

// Remove kills the runner and forgets it, including any cached session.
func (g *Registry) Remove(agentID string) {
	g.mu.Lock()
	r, ok := g.runners[agentID]
	delete(g.runners, agentID)
	g.mu.Unlock()

	g.cache.Remove(agentID)
	if ok {
		r.Kill()
	}
}

// List returns the ids of all live runners.
func (g *Registry) List() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.runners))
	for id := range g.runners {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown kills every live runner.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.runners = make(map[string]*Runner)
	g.mu.Unlock()

	for _, r := range runners {
		r.Kill()
	}
}
