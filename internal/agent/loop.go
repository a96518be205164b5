// Package agent drives the agentic execution loop: one user message becomes a
// bounded sequence of model calls and tool invocations, streamed through a
// provider adapter and finished when the model stops asking for tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentd/internal/chat"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// defaultMaxIterations bounds model calls per user turn; a model stuck in a
// tool loop ends the turn with an error instead of burning budget forever.
const defaultMaxIterations = 24

// LoopConfig configures one agent loop instance.
type LoopConfig struct {
	ID           string
	Provider     string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	APIKey  string
	APIBase string

	// InlineToolResults enables the plain-text tool-history fallback for
	// providers that reject tool-call messages.
	InlineToolResults bool

	// MaxIterations caps model calls per user turn (0 = default).
	MaxIterations int

	Context ContextConfig

	// Adapter translates canonical messages to and from the provider wire
	// format. Required for Run.
	Adapter providers.Adapter

	// Transport opens the network stream. Defaults to HTTP.
	Transport Transport

	// Tools executes the model's tool calls. Defaults to NoTools.
	Tools ToolExecutor

	// Limiter throttles outbound model calls. Optional.
	Limiter *providers.RateLimiter

	// InputGuard scans inbound user text for injection patterns; created
	// automatically unless InjectionAction is "off".
	InputGuard      *InputGuard
	InjectionAction string // "log" | "warn" | "block" | "off"
}

// Loop runs the agentic cycle for a single agent. One Run executes at a
// time; the runner serializes concurrent messages upstream.
type Loop struct {
	cfg       LoopConfig
	adapter   providers.Adapter
	transport Transport
	tools     ToolExecutor
	limiter   *providers.RateLimiter
	parser    *providers.SSEParser

	inputGuard      *InputGuard
	injectionAction string

	running atomic.Bool
}

// NewLoop creates a loop. Missing optional dependencies get defaults.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		cfg:       cfg,
		adapter:   cfg.Adapter,
		transport: cfg.Transport,
		tools:     cfg.Tools,
		limiter:   cfg.Limiter,
		parser:    providers.NewSSEParser(),
	}
	if l.transport == nil {
		l.transport = NewHTTPTransport()
	}
	if l.tools == nil {
		l.tools = NoTools{}
	}

	switch cfg.InjectionAction {
	case "log", "warn", "block":
		l.injectionAction = cfg.InjectionAction
	case "off":
		l.injectionAction = "off"
	default:
		l.injectionAction = "warn"
	}
	if l.injectionAction != "off" {
		l.inputGuard = cfg.InputGuard
		if l.inputGuard == nil {
			l.inputGuard = NewInputGuard()
		}
	}
	return l
}

func (l *Loop) ID() string      { return l.cfg.ID }
func (l *Loop) Model() string   { return l.cfg.Model }
func (l *Loop) IsRunning() bool { return l.running.Load() }

// Run executes one user turn to completion. On error the returned result
// still carries everything that completed successfully — there is no
// partial-turn rollback.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if l.adapter == nil {
		return nil, errors.New("loop has no provider adapter configured")
	}
	if !l.running.CompareAndSwap(false, true) {
		return nil, errors.New("loop is already running")
	}
	defer l.running.Store(false)

	if err := l.guardInput(req.UserMessage.Text()); err != nil {
		return nil, err
	}

	maxIter := l.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	userMsg := req.UserMessage
	userMsg.Turn = req.Turn

	msgs := make([]chat.Message, 0, len(req.History)+2)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, userMsg)

	result := &RunResult{}
	emit := l.eventEmitter(req.OnEvent, result)

	for iter := 1; ; iter++ {
		result.Iterations = iter
		if iter > maxIter {
			result.Messages = msgs
			return result, fmt.Errorf("turn exceeded %d model calls", maxIter)
		}

		assistant, stop, err := l.modelCall(ctx, msgs, req.TerseLog, emit)
		if err != nil {
			result.Messages = msgs
			return result, err
		}
		assistant.Turn = req.Turn
		msgs = append(msgs, assistant)
		if text := assistant.Text(); text != "" {
			result.Text = text
		}
		result.StopReason = stop

		if stop != chat.StopToolUse {
			result.Messages = msgs
			return result, nil
		}

		// Execute tool calls sequentially in emission order: later calls
		// may depend on earlier side effects. Refusals (pause/stop) come
		// back as error-flagged results and the loop continues so the
		// model can react.
		resultMsg := chat.Message{Role: chat.RoleUser, Turn: req.Turn}
		for _, use := range assistant.ToolUses() {
			out := l.tools.Execute(ctx, use.Name, use.Input)
			resultMsg.Content = append(resultMsg.Content,
				chat.ToolResultBlock(use.ID, out.Content, out.IsError))
		}
		msgs = append(msgs, resultMsg)
	}
}

// modelCall performs one streamed request/response cycle and assembles the
// resulting assistant message from the canonical event stream.
func (l *Loop) modelCall(ctx context.Context, msgs []chat.Message, terse []chat.TerseEntry, emit chat.EventHandler) (chat.Message, chat.StopReason, error) {
	var assistant chat.Message
	assistant.Role = chat.RoleAssistant

	l.adapter.ResetState()
	l.parser.Reset()

	if err := l.limiter.Wait(ctx, l.adapter.Name()); err != nil {
		return assistant, "", err
	}

	ctxMsgs := BuildContext(msgs, terse, l.cfg.Context)
	breq, err := l.adapter.BuildRequest(ctxMsgs, l.tools.Definitions(), providers.RequestConfig{
		Model:             l.cfg.Model,
		SystemPrompt:      l.cfg.SystemPrompt,
		MaxTokens:         l.cfg.MaxTokens,
		Temperature:       l.cfg.Temperature,
		APIKey:            l.cfg.APIKey,
		APIBase:           l.cfg.APIBase,
		InlineToolResults: l.cfg.InlineToolResults,
	})
	if err != nil {
		return assistant, "", err
	}

	stream, err := l.transport.Open(ctx, breq)
	if err != nil {
		return assistant, "", err
	}
	defer stream.Close()

	var stop chat.StopReason
	done := false
	buf := make([]byte, 8192)
	for !done {
		n, readErr := stream.Read(buf)
		if n > 0 {
			for _, frame := range l.parser.Feed(string(buf[:n])) {
				for _, ev := range l.adapter.ParseFrame(frame) {
					emit(ev)
					switch ev.Type {
					case chat.EventTextDone:
						assistant.Content = append(assistant.Content, chat.TextBlock(ev.Text))
					case chat.EventToolUseDone:
						assistant.Content = append(assistant.Content,
							chat.ToolUseBlock(ev.ToolID, ev.ToolName, ev.Input))
					case chat.EventTurnEnd:
						stop = ev.StopReason
						done = true
					}
				}
			}
		}
		if readErr != nil {
			if done {
				break
			}
			if errors.Is(readErr, io.EOF) {
				return assistant, "", errors.New("stream ended before the turn completed")
			}
			return assistant, "", fmt.Errorf("read stream: %w", readErr)
		}
	}

	return assistant, stop, nil
}

// eventEmitter wraps the subscriber callback: usage accumulation happens
// here, and subscriber failures are logged, never propagated into the loop.
func (l *Loop) eventEmitter(onEvent chat.EventHandler, result *RunResult) chat.EventHandler {
	return func(ev chat.AgentEvent) {
		if ev.Type == chat.EventUsage {
			if ev.Usage != nil {
				result.Usage.Add(*ev.Usage)
			}
			if ev.Cost != nil {
				result.Cost.Add(*ev.Cost)
			}
		}
		if onEvent == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("agent event subscriber panicked", "agent", l.cfg.ID, "panic", r)
			}
		}()
		onEvent(ev)
	}
}

// guardInput scans inbound user text for injection patterns and applies the
// configured action.
func (l *Loop) guardInput(text string) error {
	if l.inputGuard == nil {
		return nil
	}
	matches := l.inputGuard.Scan(text)
	if len(matches) == 0 {
		return nil
	}
	switch l.injectionAction {
	case "block":
		return fmt.Errorf("message rejected: matched injection patterns %v", matches)
	case "log":
		slog.Info("injection patterns in user input", "agent", l.cfg.ID, "patterns", matches)
	default:
		slog.Warn("injection patterns in user input", "agent", l.cfg.ID, "patterns", matches)
	}
	return nil
}
