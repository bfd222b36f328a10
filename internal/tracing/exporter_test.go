package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func readLines(t *testing.T, path string) []SpanLine {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []SpanLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line SpanLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func stubSpan(name string, parent bool) sdktrace.ReadOnlySpan {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	stub := tracetest.SpanStub{
		Name:     name,
		SpanKind: trace.SpanKindInternal,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{1},
			SpanID:  trace.SpanID{2},
		}),
		StartTime:  start,
		EndTime:    start.Add(1500 * time.Microsecond),
		Attributes: []attribute.KeyValue{attribute.Int64(AttrRecordID, 42), attribute.String(AttrStep, "fill_name")},
		Events:     []sdktrace.Event{{Name: EventStepRetry}},
	}
	if parent {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{TraceID: trace.TraceID{1}, SpanID: trace.SpanID{3}})
	}
	return stub.Snapshot()
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "traces.jsonl")
	exp, err := NewFileExporter(path)
	require.NoError(t, err)

	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{
		stubSpan(SpanStep, true),
		stubSpan(SpanClaim, false),
	}))
	require.NoError(t, exp.Shutdown(context.Background()))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	require.Equal(t, SpanStep, lines[0].Name)
	require.Equal(t, 1.5, lines[0].DurationMs)
	require.NotEmpty(t, lines[0].ParentSpanID)
	require.Equal(t, float64(42), lines[0].Attributes[AttrRecordID])
	require.Equal(t, []string{EventStepRetry}, lines[0].Events)
	require.Equal(t, "internal", lines[0].Kind)
	require.Empty(t, lines[1].ParentSpanID)
	require.Equal(t, "UNSET", lines[1].Status)
}

func TestFileExporter_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	for i := 0; i < 2; i++ {
		exp, err := NewFileExporter(path)
		require.NoError(t, err)
		require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stubSpan(SpanClaim, false)}))
		require.NoError(t, exp.Shutdown(context.Background()))
	}
	require.Len(t, readLines(t, path), 2)
}

func TestFileExporter_ErrorStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	exp, err := NewFileExporter(path)
	require.NoError(t, err)

	stub := tracetest.SpanStubFromReadOnlySpan(stubSpan(SpanStep, false))
	stub.Status = sdktrace.Status{Code: codes.Error, Description: "carrier timeout"}
	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exp.Shutdown(context.Background()))

	lines := readLines(t, path)
	require.Equal(t, "ERROR", lines[0].Status)
	require.Equal(t, "carrier timeout", lines[0].StatusMsg)
}

func TestFileExporter_EmptyAndClosed(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exp.ExportSpans(context.Background(), nil))

	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()), "second shutdown is a no-op")
	err = exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stubSpan(SpanClaim, false)})
	require.ErrorIs(t, err, errExporterClosed)
}

func TestFail(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	_, span := tp.Tracer("test").Start(context.Background(), SpanStep)

	Fail(span, nil)
	Fail(span, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "boom", spans[0].Status.Description)
}
