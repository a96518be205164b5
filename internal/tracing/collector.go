// Package tracing collects spans for agent turns, model calls, and tool
// executions, and ships them to an external backend over OTLP. Collection is
// best-effort: a full buffer drops spans rather than slowing the loop.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	previewMaxLen        = 500
)

// Span types emitted by the recorder.
const (
	SpanTurn     = "turn"
	SpanLLMCall  = "llm_call"
	SpanToolCall = "tool_call"
)

// SpanData is one recorded span.
type SpanData struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID

	AgentID  string
	Name     string
	SpanType string

	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	FinishReason string
	ToolName     string
	ToolCallID   string

	StartTime  time.Time
	EndTime    *time.Time
	DurationMS int

	Status        string // "ok" or "error"
	Error         string
	InputPreview  string
	OutputPreview string
}

// SpanExporter ships span batches to an external backend. Keeping this as an
// interface lets the OTel dependency live in a separate sub-package.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []SpanData)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans in memory and periodically flushes them to the
// exporter in batches.
type Collector struct {
	spanCh chan SpanData
	stopCh chan struct{}
	wg     sync.WaitGroup

	exporter SpanExporter
}

// NewCollector creates a collector flushing to the given exporter.
func NewCollector(exp SpanExporter) *Collector {
	return &Collector{
		spanCh:   make(chan SpanData, defaultBufferSize),
		stopCh:   make(chan struct{}),
		exporter: exp,
	}
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop gracefully shuts down the collector, flushing remaining spans.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: span exporter shutdown failed", "error", err)
		}
	}

	slog.Info("tracing collector stopped")
}

// Emit enqueues a span. Non-blocking: drops the span if the buffer is full.
func (c *Collector) Emit(span SpanData) {
	if span.ID == uuid.Nil {
		span.ID = uuid.New()
	}
	if span.StartTime.IsZero() {
		span.StartTime = time.Now().UTC()
	}
	if span.Status == "" {
		span.Status = "ok"
	}

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span",
			"span_type", span.SpanType, "name", span.Name)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			// Drain remaining spans
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []SpanData
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			goto done
		}
	}
done:

	if len(spans) == 0 || c.exporter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.exporter.ExportSpans(ctx, spans)
	slog.Debug("tracing: flushed spans", "count", len(spans))
}

// truncatePreview sanitizes and truncates a string to previewMaxLen bytes.
func truncatePreview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	maxLen := previewMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
