package runner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

// EventType classifies runner lifecycle events.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventLoopComplete EventType = "loop_complete"
	EventNotifyUser   EventType = "notify_user"
)

// Event is one runner lifecycle notification. Delivery is synchronous and
// in-order per runner; subscribers must not block.
type Event struct {
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives runner events.
type Subscriber func(Event)

// dispatcher fans runner and agent events out to registered observers.
// Subscriber panics are logged and never reach the loop.
type dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	agents map[string]chat.EventHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subs:   make(map[string]Subscriber),
		agents: make(map[string]chat.EventHandler),
	}
}

func (d *dispatcher) subscribe(id string, fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[id] = fn
}

func (d *dispatcher) unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

func (d *dispatcher) subscribeAgent(id string, fn chat.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[id] = fn
}

func (d *dispatcher) unsubscribeAgent(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
}

// detachAll removes every observer. Used by kill.
func (d *dispatcher) detachAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[string]Subscriber)
	d.agents = make(map[string]chat.EventHandler)
}

func (d *dispatcher) emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, fn := range d.subs {
		safeCall(id, func() { fn(ev) })
	}
}

func (d *dispatcher) emitAgent(ev chat.AgentEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, fn := range d.agents {
		safeCall(id, func() { fn(ev) })
	}
}

func safeCall(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "subscriber", id, "panic", r)
		}
	}()
	fn()
}
