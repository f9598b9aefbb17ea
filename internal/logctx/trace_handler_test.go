package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

type stubSpan struct {
	trace.Span
	sc trace.SpanContext
}

func (s *stubSpan) SpanContext() trace.SpanContext { return s.sc }

func (s *stubSpan) End(...trace.SpanEndOption) {}

func spanContextFixture(t *testing.T) trace.SpanContext {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("trace id fixture: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("span id fixture: %v", err)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}
	return entry
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "queue drained", "pending", 0)

	entry := decodeLogLine(t, &buf)
	if _, exists := entry["trace_id"]; exists {
		t.Errorf("trace_id should be absent without a span, got: %v", entry["trace_id"])
	}
	if _, exists := entry["span_id"]; exists {
		t.Errorf("span_id should be absent without a span, got: %v", entry["span_id"])
	}
	if entry["msg"] != "queue drained" {
		t.Errorf("expected msg='queue drained', got: %v", entry["msg"])
	}
}

func TestTraceHandler_InjectsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	sc := spanContextFixture(t)
	ctx := trace.ContextWithSpan(context.Background(), &stubSpan{sc: sc})
	logger.InfoContext(ctx, "download started", "source", "direct")

	entry := decodeLogLine(t, &buf)
	if entry["trace_id"] != sc.TraceID().String() {
		t.Errorf("expected trace_id=%s, got: %v", sc.TraceID(), entry["trace_id"])
	}
	if entry["span_id"] != sc.SpanID().String() {
		t.Errorf("expected span_id=%s, got: %v", sc.SpanID(), entry["span_id"])
	}
	if entry["source"] != "direct" {
		t.Errorf("expected source attribute to survive, got: %v", entry["source"])
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelInfo) {
		t.Errorf("expected Info to be disabled when inner level is Warn")
	}
	if !h.Enabled(ctx, slog.LevelError) {
		t.Errorf("expected Error to be enabled")
	}
}

func TestTraceHandler_WithAttrsKeepsWrapping(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil)).WithAttrs([]slog.Attr{slog.String("component", "queue")})

	if _, ok := h.(*TraceHandler); !ok {
		t.Fatalf("WithAttrs should return *TraceHandler, got: %T", h)
	}

	sc := spanContextFixture(t)
	ctx := trace.ContextWithSpan(context.Background(), &stubSpan{sc: sc})
	slog.New(h).InfoContext(ctx, "task added")

	entry := decodeLogLine(t, &buf)
	if entry["component"] != "queue" {
		t.Errorf("expected component attribute, got: %v", entry["component"])
	}
	if entry["trace_id"] != sc.TraceID().String() {
		t.Errorf("expected trace injection to survive WithAttrs, got: %v", entry["trace_id"])
	}
}

func TestTraceHandler_WithGroupKeepsWrapping(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, nil)).WithGroup("engine")
	if _, ok := h.(*TraceHandler); !ok {
		t.Errorf("WithGroup should return *TraceHandler, got: %T", h)
	}
}

func TestNewTraceHandler_NilHandlerPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewTraceHandler with nil handler should panic")
		}
	}()
	NewTraceHandler(nil)
}
