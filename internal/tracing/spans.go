package tracing

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRecordID     = "record.id"
	AttrRecordStatus = "record.status"
	AttrStep         = "step.name"
	AttrStepAttempt  = "step.attempt"
	AttrStepOutcome  = "step.outcome"
	AttrWorkerID     = "worker.id"
	AttrReclaimed    = "reclaim.count"
	AttrOlderThan    = "reclaim.older_than"
	AttrImportFile   = "import.file"
	AttrImportBatch  = "import.batch_id"

	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.status_code"
)

// Span names.
const (
	SpanClaim   = "queue.claim"
	SpanProcess = "queue.process"
	SpanStep    = "queue.step"
	SpanReclaim = "queue.reclaim"
	SpanImport  = "import.file"
)

// Event names.
const (
	EventStepRetry   = "step.retry"
	EventStepSkipped = "step.skipped"
	EventCompleted   = "record.completed"
)

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the active trace id, or "" when ctx carries no
// sampled span. Used to correlate log lines with exported spans.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
