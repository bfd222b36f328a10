package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var errExporterClosed = errors.New("trace file closed")

// FileExporter appends spans to a JSONL file. Each batch is encoded up front
// and written with one call, so a crash never leaves half a batch behind a
// complete line.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
	buf  bytes.Buffer
}

// NewFileExporter opens path for appending, creating parent directories.
func NewFileExporter(path string) (*FileExporter, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- operator-configured trace path
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &FileExporter{file: f}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *FileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return errExporterClosed
	}

	e.buf.Reset()
	enc := json.NewEncoder(&e.buf)
	for _, span := range spans {
		if err := enc.Encode(newSpanLine(span)); err != nil {
			return fmt.Errorf("encode span %s: %w", span.Name(), err)
		}
	}
	if _, err := e.file.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("write %d spans: %w", len(spans), err)
	}
	return nil
}

// Shutdown closes the file. Later exports fail; later shutdowns are no-ops.
func (e *FileExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	f := e.file
	e.file = nil
	return f.Close()
}

// SpanLine is one exported span. Field names are stable so traces can be
// queried with jq, e.g. select(.attributes["record.id"] == 42).
type SpanLine struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Service      string         `json:"service,omitempty"`
	StartTime    string         `json:"start_time"`
	DurationMs   float64        `json:"duration_ms"`
	Status       string         `json:"status"`
	StatusMsg    string         `json:"status_message,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []string       `json:"events,omitempty"`
}

var statusNames = map[codes.Code]string{
	codes.Unset: "UNSET",
	codes.Ok:    "OK",
	codes.Error: "ERROR",
}

func newSpanLine(span sdktrace.ReadOnlySpan) SpanLine {
	sc := span.SpanContext()
	line := SpanLine{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       span.Name(),
		Kind:       span.SpanKind().String(),
		StartTime:  span.StartTime().Format(time.RFC3339Nano),
		DurationMs: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000,
		Status:     statusNames[span.Status().Code],
		StatusMsg:  span.Status().Description,
	}
	if p := span.Parent(); p.IsValid() {
		line.ParentSpanID = p.SpanID().String()
	}
	if res := span.Resource(); res != nil {
		if v, ok := res.Set().Value("service.name"); ok {
			line.Service = v.AsString()
		}
	}
	if attrs := span.Attributes(); len(attrs) > 0 {
		line.Attributes = make(map[string]any, len(attrs))
		for _, kv := range attrs {
			line.Attributes[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	for _, ev := range span.Events() {
		line.Events = append(line.Events, ev.Name)
	}
	return line
}
