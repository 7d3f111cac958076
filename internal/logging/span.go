package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is a timed unit of work sharing a trace with its parent.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time

	mu    sync.Mutex
	attrs []any
}

// StartSpan derives a child span from ctx. The returned context carries a logger
// tagged with the trace, span and parent span identifiers.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := FromContext(ctx)

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	spanID := uuid.NewString()
	attrs := []any{
		slog.String("span_id", spanID),
		slog.String("span_name", name),
	}
	if parent := SpanIDFromContext(ctx); parent != "" {
		attrs = append(attrs, slog.String("parent_span_id", parent))
	}
	logger = logger.With(attrs...)

	ctx = WithSpanID(ctx, spanID)
	ctx = WithLogger(ctx, logger)

	return ctx, &Span{name: name, logger: logger, start: time.Now()}
}

// Annotate attaches key/value pairs to the completion entry.
func (s *Span) Annotate(args ...any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs = append(s.attrs, args...)
	s.mu.Unlock()
}

// End emits the completion entry with the span duration.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	args := append([]any{slog.Duration("duration", time.Since(s.start))}, s.attrs...)
	s.mu.Unlock()
	s.logger.Info("span completed", args...)
}
