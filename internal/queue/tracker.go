package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

// DefaultConflictRetries bounds re-reads after a concurrent modification.
const DefaultConflictRetries = 5

// Tracker persists sub-step progress. Each write is one version-checked
// update of the flag, together with the COMPLETED transition when the flag
// is the last one missing.
type Tracker struct {
	repo    domain.RecordRepository
	retries int
}

// NewTracker creates a tracker over repo.
func NewTracker(repo domain.RecordRepository) *Tracker {
	return &Tracker{repo: repo, retries: DefaultConflictRetries}
}

// MarkUssdExecuted records that the carrier session was opened.
func (t *Tracker) MarkUssdExecuted(ctx context.Context, id int64) (*domain.Record, error) {
	return t.Mark(ctx, id, domain.StepCarrierSession)
}

// MarkNameFilled records that the full name was submitted.
func (t *Tracker) MarkNameFilled(ctx context.Context, id int64) (*domain.Record, error) {
	return t.Mark(ctx, id, domain.StepFillName)
}

// MarkCneFilled records that the national id was submitted.
func (t *Tracker) MarkCneFilled(ctx context.Context, id int64) (*domain.Record, error) {
	return t.Mark(ctx, id, domain.StepFillCne)
}

// Mark sets step on record id. Setting a flag that is already set is a
// no-op and returns the stored record unchanged.
func (t *Tracker) Mark(ctx context.Context, id int64, step domain.Step) (*domain.Record, error) {
	return t.Apply(ctx, id, func(rec *domain.Record) (bool, error) {
		return rec.MarkStep(step)
	})
}

// Apply loads record id, applies fn and writes the result. fn reports whether
// it changed anything; unchanged records are not written. On a version
// conflict the record is re-read and fn re-applied, up to the retry bound.
func (t *Tracker) Apply(ctx context.Context, id int64, fn func(*domain.Record) (bool, error)) (*domain.Record, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := t.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}
		err = t.repo.Update(ctx, rec)
		if err == nil {
			return rec, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
		log.Debug(log.CatQueue, "Version conflict, re-reading", "id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("record %d kept changing after %d attempts: %w", id, t.retries+1, lastErr)
}

// Transition applies a status change such as Fail, Retry or Cancel.
func (t *Tracker) Transition(ctx context.Context, id int64, fn func(*domain.Record) error) (*domain.Record, error) {
	return t.Apply(ctx, id, func(rec *domain.Record) (bool, error) {
		if err := fn(rec); err != nil {
			return false, err
		}
		return true, nil
	})
}

// MarkHeld is Mark for the executor holding claim number claim. It fails with
// *domain.StaleClaimError once the record has moved on to another claim.
func (t *Tracker) MarkHeld(ctx context.Context, id int64, claim int, step domain.Step) (*domain.Record, error) {
	return t.Apply(ctx, id, held(claim, func(rec *domain.Record) (bool, error) {
		return rec.MarkStep(step)
	}))
}

// TransitionHeld is Transition for the executor holding claim number claim.
func (t *Tracker) TransitionHeld(ctx context.Context, id int64, claim int, fn func(*domain.Record) error) (*domain.Record, error) {
	return t.Apply(ctx, id, held(claim, func(rec *domain.Record) (bool, error) {
		if err := fn(rec); err != nil {
			return false, err
		}
		return true, nil
	}))
}

// held fences fn to one claim. The check runs on every re-read, so a claim
// lost between a version conflict and the retry is caught too.
func held(claim int, fn func(*domain.Record) (bool, error)) func(*domain.Record) (bool, error) {
	return func(rec *domain.Record) (bool, error) {
		if !rec.HeldBy(claim) {
			return false, &domain.StaleClaimError{
				RecordID: rec.ID(),
				Claim:    claim,
				Status:   rec.Status(),
				Attempts: rec.Attempts(),
			}
		}
		return fn(rec)
	}
}
