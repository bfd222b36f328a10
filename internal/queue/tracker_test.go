package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/infrastructure/memory"
	"github.com/simreg/regq/internal/registrations/domain"
)

func TestTracker_MarkSequence(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 1)
	f.claim(t)
	tracker := NewTracker(f.svc.Repository())
	ctx := context.Background()

	rec, err := tracker.MarkUssdExecuted(ctx, 1)
	require.NoError(t, err)
	require.True(t, rec.UssdExecuted())
	require.Equal(t, domain.StatusInProgress, rec.Status())

	version := rec.Version()
	again, err := tracker.MarkUssdExecuted(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, version, again.Version(), "setting a flag twice writes nothing")

	_, err = tracker.MarkNameFilled(ctx, 1)
	require.NoError(t, err)
	rec, err = tracker.MarkCneFilled(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec.Status())
	require.True(t, f.load(t, 1).Completed())
}

func TestTracker_MarkRequiresInProgress(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 1)

	_, err := NewTracker(f.svc.Repository()).MarkNameFilled(context.Background(), 1)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestTracker_MarkNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := NewTracker(f.svc.Repository()).MarkNameFilled(context.Background(), 99)
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestTracker_HeldWritesFollowTheClaim(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 1)
	first := f.claim(t)
	tracker := NewTracker(f.svc.Repository())
	ctx := context.Background()

	rec, err := tracker.MarkHeld(ctx, 1, first.Attempts(), domain.StepCarrierSession)
	require.NoError(t, err)
	require.True(t, rec.UssdExecuted())

	// Requeue and claim again; the first claim is now stale.
	_, err = tracker.Transition(ctx, 1, (*domain.Record).Requeue)
	require.NoError(t, err)
	second := f.claim(t)
	require.Equal(t, first.Attempts()+1, second.Attempts())

	_, err = tracker.MarkHeld(ctx, 1, first.Attempts(), domain.StepFillName)
	var stale *domain.StaleClaimError
	require.True(t, errors.As(err, &stale))
	require.Equal(t, first.Attempts(), stale.Claim)
	require.Equal(t, second.Attempts(), stale.Attempts)

	_, err = tracker.TransitionHeld(ctx, 1, first.Attempts(), func(r *domain.Record) error { return r.Fail("late") })
	require.True(t, errors.As(err, &stale))

	stored := f.load(t, 1)
	require.Equal(t, domain.StatusInProgress, stored.Status())
	require.False(t, stored.NameFilled())

	_, err = tracker.MarkHeld(ctx, 1, second.Attempts(), domain.StepFillName)
	require.NoError(t, err)
}

// racingRepository lets another writer bump the record before the first
// conflictsLeft updates land.
type racingRepository struct {
	*memory.RecordRepository
	conflictsLeft int
}

func (r *racingRepository) Update(ctx context.Context, rec *domain.Record) error {
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		other, err := r.RecordRepository.FindByID(ctx, rec.ID())
		if err != nil {
			return err
		}
		if _, err := other.MarkStep(domain.StepCarrierSession); err != nil {
			return err
		}
		if err := r.RecordRepository.Update(ctx, other); err != nil {
			return err
		}
	}
	return r.RecordRepository.Update(ctx, rec)
}

func newRacingRepository(t *testing.T, conflicts int) *racingRepository {
	t.Helper()
	mem := memory.NewRecordRepository()
	_, err := mem.Insert(context.Background(), domain.NewRecord("0612345678", "1234", "n", "c"))
	require.NoError(t, err)
	_, err = mem.ClaimNextPending(context.Background(), time.Now())
	require.NoError(t, err)
	return &racingRepository{RecordRepository: mem, conflictsLeft: conflicts}
}

func TestTracker_RetriesOnConflict(t *testing.T) {
	repo := newRacingRepository(t, 1)

	rec, err := NewTracker(repo).MarkNameFilled(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, rec.NameFilled())
	require.True(t, rec.UssdExecuted(), "concurrent flag survives the re-read")
}

func TestTracker_GivesUpAfterBoundedConflicts(t *testing.T) {
	repo := newRacingRepository(t, DefaultConflictRetries+1)

	_, err := NewTracker(repo).MarkNameFilled(context.Background(), 1)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
}
