package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// Reclaimer returns records stuck IN_PROGRESS to PENDING. A record is stuck
// when its timestamp, the time of its last write, is older than the
// threshold. Sub-step flags are kept so the next worker resumes where the
// previous one stopped.
type Reclaimer struct {
	repo       domain.RecordRepository
	staleAfter time.Duration
	interval   time.Duration
	opts       options
}

// NewReclaimer creates a sweeper that runs every interval.
func NewReclaimer(repo domain.RecordRepository, staleAfter, interval time.Duration, opts ...Option) *Reclaimer {
	return &Reclaimer{
		repo:       repo,
		staleAfter: staleAfter,
		interval:   interval,
		opts:       buildOptions(opts),
	}
}

// ReclaimStale requeues IN_PROGRESS records last written before now-olderThan
// and returns how many were moved. Records written after they were listed
// fail the version check and are left alone.
func (r *Reclaimer) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := r.opts.tracer.Start(ctx, tracing.SpanReclaim)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrOlderThan, olderThan.String()))

	before := r.opts.now().Add(-olderThan)
	stale, err := r.repo.ListStale(ctx, domain.StatusInProgress, before)
	if err != nil {
		tracing.Fail(span, err)
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	n := 0
	for _, rec := range stale {
		if err := rec.Requeue(); err != nil {
			continue
		}
		err := r.repo.Update(ctx, rec)
		var (
			conflict *domain.ConflictError
			notFound *domain.RecordNotFoundError
		)
		switch {
		case err == nil:
			n++
			log.Warn(log.CatReclaim, "Requeued stale record", "id", rec.ID(), "steps", rec.Steps().Missing())
		case errors.As(err, &conflict), errors.As(err, &notFound):
			log.Debug(log.CatReclaim, "Record changed since listing, skipped", "id", rec.ID())
		default:
			r.opts.metrics.AddReclaimed(n)
			tracing.Fail(span, err)
			return n, fmt.Errorf("requeue record %d: %w", rec.ID(), err)
		}
	}

	span.SetAttributes(attribute.Int(tracing.AttrReclaimed, n))
	r.opts.metrics.AddReclaimed(n)
	if n > 0 {
		log.Info(log.CatReclaim, "Reclaim sweep finished", "requeued", n, "older_than", olderThan)
	}
	return n, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	sweep := func() {
		if _, err := r.ReclaimStale(ctx, r.staleAfter); err != nil && ctx.Err() == nil {
			log.ErrorErr(log.CatReclaim, "Reclaim sweep failed", err)
		}
	}

	sweep()
	if r.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}
