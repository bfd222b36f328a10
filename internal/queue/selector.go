package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// Selector hands out the oldest PENDING record. The claim is a single
// conditional write in the store, so concurrent callers never receive the
// same record.
type Selector struct {
	repo domain.RecordRepository
	opts options
}

// NewSelector creates a selector over repo.
func NewSelector(repo domain.RecordRepository, opts ...Option) *Selector {
	return &Selector{repo: repo, opts: buildOptions(opts)}
}

// NextEligible claims the PENDING record with the smallest id and returns it
// IN_PROGRESS. It returns (nil, nil) when nothing is pending.
func (s *Selector) NextEligible(ctx context.Context) (*domain.Record, error) {
	ctx, span := s.opts.tracer.Start(ctx, tracing.SpanClaim)
	defer span.End()

	rec, err := s.repo.ClaimNextPending(ctx, s.opts.now())
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("claim next pending: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	span.SetAttributes(attribute.Int64(tracing.AttrRecordID, rec.ID()))
	s.opts.metrics.IncDispatched()
	log.Debug(log.CatQueue, "Claimed record", "id", rec.ID(), "attempt", rec.Attempts())
	return rec, nil
}
