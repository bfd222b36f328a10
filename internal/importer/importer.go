package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/metrics"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// Enqueuer stores parsed records. queue.Service satisfies it.
type Enqueuer interface {
	EnqueueAll(ctx context.Context, records []*domain.Record) error
}

// Report summarises one imported file.
type Report struct {
	BatchID     string
	File        string
	Accepted    int
	Skipped     []SkippedRecord
	Errors      []string
	SkippedFile string
}

// Importer parses files and enqueues their valid rows as one batch.
type Importer struct {
	enqueuer   Enqueuer
	skippedDir string
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// Option configures an Importer.
type Option func(*Importer)

// WithSkippedDir writes a CSV of skipped rows per file into dir.
func WithSkippedDir(dir string) Option {
	return func(i *Importer) { i.skippedDir = dir }
}

// WithMetrics counts imported rows.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Importer) { i.metrics = m }
}

// WithTracer wraps each import in a span.
func WithTracer(t trace.Tracer) Option {
	return func(i *Importer) {
		if t != nil {
			i.tracer = t
		}
	}
}

// New creates an Importer.
func New(enqueuer Enqueuer, opts ...Option) *Importer {
	i := &Importer{
		enqueuer: enqueuer,
		tracer:   noop.NewTracerProvider().Tracer("regq"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ImportFile parses path and enqueues every valid row. Row problems are
// returned in the report; the error is reserved for unreadable files and
// store failures, in which case nothing was enqueued.
func (i *Importer) ImportFile(ctx context.Context, path string) (*Report, error) {
	report := &Report{BatchID: uuid.NewString(), File: path}
	ctx, span := i.tracer.Start(ctx, tracing.SpanImport, trace.WithAttributes(
		attribute.String(tracing.AttrImportFile, filepath.Base(path)),
		attribute.String(tracing.AttrImportBatch, report.BatchID),
	))
	defer span.End()

	res, err := ParseFile(path)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	report.Skipped = res.Skipped
	report.Errors = res.Errors

	if err := i.enqueuer.EnqueueAll(ctx, res.Records); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("import %s: %w", filepath.Base(path), err)
	}
	report.Accepted = len(res.Records)
	i.metrics.AddImported(report.Accepted, len(report.Skipped), len(report.Errors))

	if i.skippedDir != "" && len(res.Skipped) > 0 {
		out, err := i.writeSkipped(path, report.BatchID, res.Skipped)
		if err != nil {
			log.ErrorErr(log.CatImport, "Failed to write skipped rows", err, "file", path)
		}
		report.SkippedFile = out
	}

	span.SetAttributes(
		attribute.Int("import.accepted", report.Accepted),
		attribute.Int("import.skipped", len(report.Skipped)),
		attribute.Int("import.errors", len(report.Errors)),
	)
	log.Info(log.CatImport, "Imported file",
		"file", path,
		"batch", report.BatchID,
		"accepted", report.Accepted,
		"skipped", len(report.Skipped),
		"errors", len(report.Errors))
	return report, nil
}

func (i *Importer) writeSkipped(path, batchID string, skipped []SkippedRecord) (string, error) {
	if err := os.MkdirAll(i.skippedDir, 0o750); err != nil {
		return "", fmt.Errorf("creating skipped dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(i.skippedDir, fmt.Sprintf("%s-%s-skipped.csv", base, batchID[:8]))

	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: path built from config dir
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", out, err)
	}
	if err := WriteSkippedCSV(f, skipped); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", out, err)
	}
	return out, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path) //nolint:gosec // G304: operator-supplied import file
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}
