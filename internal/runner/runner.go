// Package runner owns the per-agent state machine around the agent loop:
// lifecycle states, the FIFO message queue, cooperative pause/stop at tool
// boundaries, human intervention, and best-effort persistence after every
// loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

// State of a runner. stopped is terminal.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

const persistTimeout = 10 * time.Second

// Config configures one runner.
type Config struct {
	AgentID string
	Loop    agent.LoopConfig

	// Store receives the serialized session after every completed loop.
	// Optional; persistence failures are logged, never fatal.
	Store store.SessionStore
}

// Runner drives a single agent. All public methods are safe for concurrent
// use; within one runner at most one loop is busy at a time and concurrent
// messages are serialized through the FIFO queue.
type Runner struct {
	id    string
	loop  *agent.Loop
	store store.SessionStore
	disp  *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	busy           bool
	pauseRequested bool
	stopRequested  bool
	intervening    bool
	queue          []string
	turnSeq        int
	conversation   []chat.Message
	terse          []chat.TerseEntry
	usage          chat.TokenUsage
	cost           chat.CostEstimate
}

// NewRunner creates a runner in the pending state. The loop's tool executor
// is wrapped with the pause/stop gate consulted before every tool call.
func NewRunner(cfg Config) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		id:     cfg.AgentID,
		store:  cfg.Store,
		disp:   newDispatcher(),
		ctx:    ctx,
		cancel: cancel,
		state:  StatePending,
	}

	loopCfg := cfg.Loop
	if loopCfg.ID == "" {
		loopCfg.ID = cfg.AgentID
	}
	base := loopCfg.Tools
	if base == nil {
		base = agent.NoTools{}
	}
	loopCfg.Tools = &toolGate{r: r, base: base}
	r.loop = agent.NewLoop(loopCfg)
	return r
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Runner) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Conversation returns a snapshot of the history.
func (r *Runner) Conversation() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.conversation)
}

// Usage returns accumulated token usage and cost across all loops.
func (r *Runner) Usage() (chat.TokenUsage, chat.CostEstimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage, r.cost
}

// Subscribe registers a runner-event observer under the given id.
func (r *Runner) Subscribe(id string, fn Subscriber) { r.disp.subscribe(id, fn) }

func (r *Runner) Unsubscribe(id string) { r.disp.unsubscribe(id) }

// SubscribeAgentEvents registers an observer for the raw canonical event
// stream (UI rendering, telemetry).
func (r *Runner) SubscribeAgentEvents(id string, fn chat.EventHandler) {
	r.disp.subscribeAgent(id, fn)
}

func (r *Runner) UnsubscribeAgentEvents(id string) { r.disp.unsubscribeAgent(id) }

// Restore loads a previously serialized session into a pending runner.
func (r *Runner) Restore(doc *sessions.SerializedSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return fmt.Errorf("cannot restore in state %q", r.state)
	}
	r.conversation = slices.Clone(doc.Conversation)
	r.terse = slices.Clone(doc.TerseLog)
	r.turnSeq = highestTurn(doc.Conversation)
	return nil
}

// Start moves pending → running.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.state != StatePending {
		r.mu.Unlock()
		return fmt.Errorf("cannot start in state %q", r.state)
	}
	r.state = StateRunning
	r.mu.Unlock()
	r.emitState(StatePending, StateRunning)
	return nil
}

// SendMessage submits one user message. Valid only while running: if a loop
// is busy the message is queued FIFO, with an immediate message event either
// way so observers see it promptly.
func (r *Runner) SendMessage(text string) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("cannot send message in state %q", r.state)
	}
	if r.busy {
		r.queue = append(r.queue, text)
		depth := len(r.queue)
		r.mu.Unlock()
		r.emit(EventMessage, map[string]any{"text": text, "queued": true, "queue_depth": depth})
		return nil
	}
	turn := r.nextTurnLocked()
	r.mu.Unlock()

	r.emit(EventMessage, map[string]any{"text": text, "queued": false, "turn": turn})
	go r.runLoop(text, turn)
	return nil
}

// Pause requests the paused state. While busy this is cooperative: only a
// flag is set, the next tool call is refused, and the transition happens
// after the current loop finishes.
func (r *Runner) Pause() error {
	r.mu.Lock()
	switch r.state {
	case StatePaused:
		r.mu.Unlock()
		return nil
	case StateRunning:
	default:
		r.mu.Unlock()
		return fmt.Errorf("cannot pause in state %q", r.state)
	}
	if r.busy {
		r.pauseRequested = true
		r.mu.Unlock()
		return nil
	}
	r.state = StatePaused
	r.mu.Unlock()
	r.emitState(StateRunning, StatePaused)
	return nil
}

// Resume moves paused → running and drains the queue. A session paused by
// an intervention cannot be resumed this way; use InterveneEnd.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return fmt.Errorf("cannot resume in state %q", r.state)
	}
	if r.intervening {
		r.mu.Unlock()
		return errors.New("intervention in progress, use InterveneEnd")
	}
	r.state = StateRunning
	var text, turn string
	start := false
	if !r.busy && len(r.queue) > 0 {
		text = r.queue[0]
		r.queue = r.queue[1:]
		turn = r.nextTurnLocked()
		start = true
	}
	r.mu.Unlock()

	r.emitState(StatePaused, StateRunning)
	if start {
		r.emit(EventMessage, map[string]any{"text": text, "queued": false, "turn": turn})
		go r.runLoop(text, turn)
	}
	return nil
}

// InterveneStart begins a human takeover. It pauses like Pause but sets a
// separate flag so a plain Resume elsewhere cannot clear it.
func (r *Runner) InterveneStart() error {
	r.mu.Lock()
	switch r.state {
	case StateRunning, StatePaused:
	default:
		r.mu.Unlock()
		return fmt.Errorf("cannot intervene in state %q", r.state)
	}
	r.intervening = true
	if r.busy || r.state == StatePaused {
		r.mu.Unlock()
		return nil
	}
	r.state = StatePaused
	r.mu.Unlock()
	r.emitState(StateRunning, StatePaused)
	return nil
}

// InterveneEnd closes the takeover, resumes the runner, and submits the
// intervention note as a new turn (queued if a loop is still draining).
func (r *Runner) InterveneEnd(note string) error {
	r.mu.Lock()
	if !r.intervening {
		r.mu.Unlock()
		return errors.New("no intervention in progress")
	}
	r.intervening = false
	resumed := false
	if r.state == StatePaused {
		r.state = StateRunning
		resumed = true
	}
	r.mu.Unlock()

	if resumed {
		r.emitState(StatePaused, StateRunning)
	}
	if note != "" {
		return r.SendMessage(note)
	}
	return nil
}

// Stop requests the terminal stopped state. Deferred while busy, like Pause.
func (r *Runner) Stop() error {
	r.mu.Lock()
	switch r.state {
	case StateStopped:
		r.mu.Unlock()
		return nil
	case StateRunning, StatePaused:
	default:
		r.mu.Unlock()
		return fmt.Errorf("cannot stop in state %q", r.state)
	}
	if r.busy {
		r.stopRequested = true
		r.mu.Unlock()
		return nil
	}
	from := r.state
	r.state = StateStopped
	r.queue = nil
	r.mu.Unlock()
	r.emitState(from, StateStopped)
	return nil
}

// Kill forces stopped from any state, cancels the in-flight loop context and
// detaches every subscriber.
func (r *Runner) Kill() {
	r.mu.Lock()
	from := r.state
	r.state = StateStopped
	r.stopRequested = true
	r.queue = nil
	r.mu.Unlock()

	r.cancel()
	if from != StateStopped {
		r.emitState(from, StateStopped)
	}
	r.disp.detachAll()
}

// NotifyUser emits a notify_user event, used by tools and schedulers that
// want to reach the human outside the conversation flow.
func (r *Runner) NotifyUser(text string) {
	r.emit(EventNotifyUser, map[string]any{"text": text})
}

// runLoop executes one user turn in its own goroutine. Whatever happens,
// finishLoop runs so busy/queue/state invariants stay consistent.
func (r *Runner) runLoop(text, turn string) {
	if err := r.executeLoop(text, turn); err != nil {
		r.emit(EventError, map[string]any{"message": err.Error(), "turn": turn})
	}
	r.finishLoop(turn)
}

func (r *Runner) executeLoop(text, turn string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent loop panicked: %v", p)
		}
	}()

	r.mu.Lock()
	history := slices.Clone(r.conversation)
	terse := slices.Clone(r.terse)
	r.mu.Unlock()

	res, runErr := r.loop.Run(r.ctx, agent.RunRequest{
		UserMessage: chat.UserText(text),
		Turn:        turn,
		History:     history,
		TerseLog:    terse,
		OnEvent:     r.disp.emitAgent,
	})

	// Keep whatever completed successfully, even on failure.
	if res != nil && len(res.Messages) > 0 {
		now := time.Now().UTC()
		r.mu.Lock()
		r.conversation = res.Messages
		r.usage.Add(res.Usage)
		r.cost.Add(res.Cost)
		r.terse = append(r.terse, chat.TerseEntry{
			Timestamp: now, Turn: turn, Role: chat.RoleUser, Summary: summarize(text),
		})
		if res.Text != "" {
			r.terse = append(r.terse, chat.TerseEntry{
				Timestamp: now, Turn: turn, Role: chat.RoleAssistant, Summary: summarize(res.Text),
			})
		}
		r.mu.Unlock()
	}
	return runErr
}

// finishLoop persists the session and then settles the state machine:
// honor a deferred stop/pause, drain the next queued message, or report
// idleness.
func (r *Runner) finishLoop(turn string) {
	r.persist()

	r.mu.Lock()
	r.busy = false

	if r.stopRequested || r.state == StateStopped {
		r.stopRequested = false
		r.pauseRequested = false
		r.intervening = false
		from := r.state
		r.state = StateStopped
		r.queue = nil
		r.mu.Unlock()
		if from != StateStopped {
			r.emitState(from, StateStopped)
		}
		return
	}

	if r.pauseRequested || r.intervening {
		r.pauseRequested = false
		from := r.state
		r.state = StatePaused
		r.mu.Unlock()
		if from != StatePaused {
			r.emitState(from, StatePaused)
		}
		return
	}

	if r.state == StateRunning && len(r.queue) > 0 {
		text := r.queue[0]
		r.queue = r.queue[1:]
		next := r.nextTurnLocked()
		r.mu.Unlock()
		r.emit(EventMessage, map[string]any{"text": text, "queued": false, "turn": next})
		go r.runLoop(text, next)
		return
	}
	r.mu.Unlock()

	r.emit(EventLoopComplete, map[string]any{"turn": turn})
}

// persist saves the serialized session. Best-effort: failures are logged
// and never surface to the message sender.
func (r *Runner) persist() {
	if r.store == nil {
		return
	}

	r.mu.Lock()
	conv := slices.Clone(r.conversation)
	terse := slices.Clone(r.terse)
	turns := r.turnSeq
	usage := r.usage
	cost := r.cost
	r.mu.Unlock()

	summary := ""
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == chat.RoleAssistant && conv[i].Text() != "" {
			summary = summarize(conv[i].Text())
			break
		}
	}

	doc := sessions.Serialize(sessions.SerializeInput{
		AgentID:      r.id,
		Conversation: conv,
		TerseLog:     terse,
		Metadata: map[string]any{
			"usage": usage,
			"cost":  cost,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := r.store.Save(ctx, r.id, doc, store.SessionMeta{
		AgentID:   r.id,
		Model:     r.loop.Model(),
		Turns:     turns,
		Summary:   summary,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("session persist failed", "agent", r.id, "err", err)
	}
}

// nextTurnLocked assigns the next turn id and marks the runner busy.
// Caller holds r.mu.
func (r *Runner) nextTurnLocked() string {
	r.busy = true
	r.turnSeq++
	return "t" + strconv.Itoa(r.turnSeq)
}

func (r *Runner) emit(t EventType, data map[string]any) {
	r.disp.emit(Event{Type: t, AgentID: r.id, Timestamp: time.Now().UTC(), Data: data})
}

func (r *Runner) emitState(from, to State) {
	r.emit(EventStateChange, map[string]any{"from": string(from), "to": string(to)})
}

// refuseReason reports whether tool execution must be short-circuited and
// why. Consulted by the tool gate before every call.
func (r *Runner) refuseReason() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.stopRequested || r.state == StateStopped:
		return "the run is stopping", true
	case r.intervening:
		return "a user intervention is in progress", true
	case r.pauseRequested || r.state == StatePaused:
		return "the run is paused", true
	}
	return "", false
}

// toolGate wraps the configured tool executor with the cooperative
// pause/stop check. Refusals come back as error results so the model sees a
// clear signal instead of a hang; the call itself is never interrupted once
// started.
type toolGate struct {
	r    *Runner
	base agent.ToolExecutor
}

func (g *toolGate) Definitions() []providers.ToolDefinition { return g.base.Definitions() }

func (g *toolGate) Execute(ctx context.Context, name string, input map[string]any) agent.ToolResult {
	if reason, refuse := g.r.refuseReason(); refuse {
		return agent.ToolResult{
			Content: fmt.Sprintf("tool %s was not executed: %s", name, reason),
			IsError: true,
		}
	}
	return g.base.Execute(ctx, name, input)
}

// highestTurn finds the largest numeric turn id in a conversation so a
// restored runner keeps ids monotonic.
func highestTurn(msgs []chat.Message) int {
	max := 0
	for _, m := range msgs {
		id, ok := strings.CutPrefix(m.Turn, "t")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(id); err == nil && n > max {
			max = n
		}
	}
	return max
}

// summarize produces a terse-log entry body: first line, bounded length.
func summarize(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 140 {
		return string(runes[:140]) + "…"
	}
	return s
}
