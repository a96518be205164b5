package tracing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/runner"
)

// Recorder turns one agent's runner and stream events into spans. Each loop
// becomes a trace: a "turn" span covering the whole loop, one "llm_call"
// span per model call (closed by the usage event), and one "tool_call" span
// per tool invocation. Subscribe OnRunnerEvent and OnAgentEvent to the
// runner under the same subscriber id.
type Recorder struct {
	collector *Collector
	agentID   string
	model     string
	provider  string

	mu        sync.Mutex
	traceID   uuid.UUID
	turnSpan  uuid.UUID
	turnStart time.Time
	callStart time.Time
	usage     chat.TokenUsage
	toolStart map[string]time.Time // tool use id -> start
	toolName  map[string]string
}

func NewRecorder(c *Collector, agentID, model, provider string) *Recorder {
	return &Recorder{
		collector: c,
		agentID:   agentID,
		model:     model,
		provider:  provider,
		toolStart: make(map[string]time.Time),
		toolName:  make(map[string]string),
	}
}

// OnRunnerEvent opens the turn span when a message is dispatched and closes
// it when the loop settles.
func (r *Recorder) OnRunnerEvent(ev runner.Event) {
	switch ev.Type {
	case runner.EventMessage:
		if queued, _ := ev.Data["queued"].(bool); queued {
			return
		}
		r.beginTurn(ev.Timestamp)

	case runner.EventLoopComplete:
		r.endTurn(ev.Timestamp, "ok", "")

	case runner.EventError:
		msg, _ := ev.Data["error"].(string)
		r.endTurn(ev.Timestamp, "error", msg)
	}
}

// OnAgentEvent records llm_call and tool_call spans from the stream.
func (r *Recorder) OnAgentEvent(ev chat.AgentEvent) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.traceID == uuid.Nil {
		// Events before the first runner message (restored sessions etc.)
		// have no trace to hang off.
		return
	}

	switch ev.Type {
	case chat.EventToolUseStart:
		r.toolStart[ev.ToolID] = now
		r.toolName[ev.ToolID] = ev.ToolName

	case chat.EventToolUseDone:
		start, ok := r.toolStart[ev.ToolID]
		if !ok {
			return
		}
		delete(r.toolStart, ev.ToolID)
		name := r.toolName[ev.ToolID]
		delete(r.toolName, ev.ToolID)

		parent := r.turnSpan
		r.emitLocked(SpanData{
			TraceID:      r.traceID,
			ParentSpanID: &parent,
			AgentID:      r.agentID,
			Name:         "tool " + name,
			SpanType:     SpanToolCall,
			ToolName:     name,
			ToolCallID:   ev.ToolID,
			StartTime:    start,
			EndTime:      &now,
			DurationMS:   int(now.Sub(start).Milliseconds()),
		})

	case chat.EventUsage:
		if ev.Usage != nil {
			r.usage.Add(*ev.Usage)
		}
		start := r.callStart
		r.callStart = now

		span := SpanData{
			TraceID:    r.traceID,
			AgentID:    r.agentID,
			Name:       "llm " + r.model,
			SpanType:   SpanLLMCall,
			Model:      r.model,
			Provider:   r.provider,
			StartTime:  start,
			EndTime:    &now,
			DurationMS: int(now.Sub(start).Milliseconds()),
		}
		parent := r.turnSpan
		span.ParentSpanID = &parent
		if ev.Usage != nil {
			span.InputTokens = ev.Usage.InputTokens
			span.OutputTokens = ev.Usage.OutputTokens
		}
		r.emitLocked(span)

	case chat.EventTurnEnd:
		// The next model call, if any, starts after tool execution.
		r.callStart = now
	}
}

func (r *Recorder) beginTurn(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traceID = uuid.New()
	r.turnSpan = uuid.New()
	r.turnStart = ts
	r.callStart = ts
	r.usage = chat.TokenUsage{}
}

func (r *Recorder) endTurn(ts time.Time, status, errMsg string) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.traceID == uuid.Nil {
		return
	}

	r.emitLocked(SpanData{
		ID:           r.turnSpan,
		TraceID:      r.traceID,
		AgentID:      r.agentID,
		Name:         "turn",
		SpanType:     SpanTurn,
		Model:        r.model,
		Provider:     r.provider,
		InputTokens:  r.usage.InputTokens,
		OutputTokens: r.usage.OutputTokens,
		StartTime:    r.turnStart,
		EndTime:      &ts,
		DurationMS:   int(ts.Sub(r.turnStart).Milliseconds()),
		Status:       status,
		Error:        truncatePreview(errMsg),
	})
	r.traceID = uuid.Nil
	r.turnSpan = uuid.Nil
}

// emitLocked forwards to the collector. Caller holds r.mu; the collector
// never blocks so holding the lock is safe.
func (r *Recorder) emitLocked(span SpanData) {
	if span.Status == "" {
		span.Status = "ok"
	}
	r.collector.Emit(span)
}
