package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newInProgress(t *testing.T) *Record {
	t.Helper()
	r := NewRecord("0600000000", "1234", "Amina Benali", "AB123456")
	r.SetID(1)
	require.NoError(t, r.Start())
	return r
}

func TestNewRecord(t *testing.T) {
	before := time.Now()
	r := NewRecord("0600000000", "1234", "Amina Benali", "AB123456")
	after := time.Now()

	require.Equal(t, int64(0), r.ID(), "ID should be 0 for new records")
	require.Equal(t, "0600000000", r.PhoneNumber())
	require.Equal(t, "1234", r.PukLastFour())
	require.Equal(t, "Amina Benali", r.FullName())
	require.Equal(t, "AB123456", r.Cne())
	require.Equal(t, StatusPending, r.Status())
	require.False(t, r.UssdExecuted())
	require.False(t, r.NameFilled())
	require.False(t, r.CneFilled())
	require.False(t, r.Completed())
	require.Zero(t, r.Attempts())
	_, hasMsg := r.ErrorMessage()
	require.False(t, hasMsg)
	require.True(t, !r.Timestamp().Before(before) && !r.Timestamp().After(after))
	require.NoError(t, r.Validate())
}

func TestRecord_Start(t *testing.T) {
	r := NewRecord("0600000000", "1234", "name", "cne")
	require.NoError(t, r.Start())
	require.Equal(t, StatusInProgress, r.Status())
	require.Equal(t, 1, r.Attempts())

	err := r.Start()
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, StatusInProgress, invalid.From)
	require.Equal(t, 1, r.Attempts(), "failed transition must not change the record")
}

func TestRecord_FullSuccess(t *testing.T) {
	r := newInProgress(t)

	changed, err := r.MarkStep(StepCarrierSession)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, r.UssdExecuted())
	require.Equal(t, StatusInProgress, r.Status())

	changed, err = r.MarkStep(StepFillName)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, r.NameFilled())
	require.Equal(t, StatusInProgress, r.Status())

	changed, err = r.MarkStep(StepFillCne)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, r.CneFilled())
	require.True(t, r.Completed())
	require.Equal(t, StatusCompleted, r.Status())
	require.NoError(t, r.Validate())
}

func TestRecord_MarkStep_AlreadySetIsNoop(t *testing.T) {
	r := newInProgress(t)
	_, err := r.MarkStep(StepCarrierSession)
	require.NoError(t, err)

	changed, err := r.MarkStep(StepCarrierSession)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRecord_MarkStep_RequiresInProgress(t *testing.T) {
	r := NewRecord("0600000000", "1234", "name", "cne")

	_, err := r.MarkStep(StepFillName)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.False(t, r.NameFilled())
}

func TestRecord_MarkStep_Unknown(t *testing.T) {
	r := newInProgress(t)
	_, err := r.MarkStep(Step(64))
	require.Error(t, err)
}

func TestRecord_FailThenRetry(t *testing.T) {
	r := newInProgress(t)
	_, err := r.MarkStep(StepCarrierSession)
	require.NoError(t, err)

	require.NoError(t, r.Fail("carrier timeout"))
	require.Equal(t, StatusFailed, r.Status())
	msg, ok := r.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, "carrier timeout", msg)
	require.True(t, r.UssdExecuted())
	require.False(t, r.NameFilled())
	require.NoError(t, r.Validate())

	require.NoError(t, r.Retry())
	require.Equal(t, StatusPending, r.Status())
	_, ok = r.ErrorMessage()
	require.False(t, ok)
	require.True(t, r.UssdExecuted(), "retry keeps completed steps")

	next, ok := r.Steps().Next()
	require.True(t, ok)
	require.Equal(t, StepFillName, next)
}

func TestRecord_Fail_EmptyMessage(t *testing.T) {
	r := newInProgress(t)
	require.NoError(t, r.Fail(""))
	msg, ok := r.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, DefaultFailureMessage, msg)
}

func TestRecord_CompletedIsTerminal(t *testing.T) {
	r := newInProgress(t)
	for _, s := range OrderedSteps() {
		_, err := r.MarkStep(s)
		require.NoError(t, err)
	}

	var invalid *InvalidTransitionError
	require.True(t, errors.As(r.Fail("late"), &invalid))
	require.True(t, errors.As(r.Retry(), &invalid))
	require.True(t, errors.As(r.Cancel(), &invalid))
	require.True(t, errors.As(r.Requeue(), &invalid))
	require.True(t, errors.As(r.Start(), &invalid))
	require.Equal(t, StatusCompleted, r.Status())
	require.True(t, r.Completed())
}

func TestRecord_AlreadyRegistered(t *testing.T) {
	r := newInProgress(t)
	require.NoError(t, r.MarkAlreadyRegistered())
	require.Equal(t, StatusAlreadyRegistered, r.Status())
	require.False(t, r.Completed())
	require.NoError(t, r.Validate())

	var invalid *InvalidTransitionError
	require.True(t, errors.As(r.Retry(), &invalid))
}

func TestRecord_CancelAndRetry(t *testing.T) {
	r := NewRecord("0600000000", "1234", "name", "cne")
	require.NoError(t, r.Cancel())
	require.Equal(t, StatusCancelled, r.Status())
	_, ok := r.ErrorMessage()
	require.False(t, ok)

	require.NoError(t, r.Retry())
	require.Equal(t, StatusPending, r.Status())
}

func TestRecord_Requeue(t *testing.T) {
	r := newInProgress(t)
	_, err := r.MarkStep(StepCarrierSession)
	require.NoError(t, err)

	require.NoError(t, r.Requeue())
	require.Equal(t, StatusPending, r.Status())
	require.True(t, r.UssdExecuted())

	var invalid *InvalidTransitionError
	require.True(t, errors.As(r.Requeue(), &invalid), "only IN_PROGRESS records can be requeued")
}

func TestRecord_HeldBy(t *testing.T) {
	r := newInProgress(t)
	require.True(t, r.HeldBy(1))
	require.False(t, r.HeldBy(2))

	// Reclaimed and claimed again: the first claim no longer holds it.
	require.NoError(t, r.Requeue())
	require.False(t, r.HeldBy(1))
	require.NoError(t, r.Start())
	require.False(t, r.HeldBy(1))
	require.True(t, r.HeldBy(2))

	require.NoError(t, r.Cancel())
	require.False(t, r.HeldBy(2), "only IN_PROGRESS records are held")
}

func TestRecord_Complete(t *testing.T) {
	legacy := ReconstituteRecord(1, "0600000000", "1234", "Amina Benali", "AB123456",
		ParseStatus("CNE_FILLED"), nil, time.Now(), NewStepSet(true, true, true), 1, 1)
	require.NoError(t, legacy.Complete())
	require.Equal(t, StatusCompleted, legacy.Status())
	require.True(t, legacy.Completed())

	var invalid *InvalidTransitionError
	require.True(t, errors.As(legacy.Complete(), &invalid), "COMPLETED is terminal")

	partial := newInProgress(t)
	_, err := partial.MarkStep(StepCarrierSession)
	require.NoError(t, err)
	require.True(t, errors.As(partial.Complete(), &invalid), "steps still missing")
	require.Equal(t, StatusInProgress, partial.Status())
}

func TestRecord_Clone(t *testing.T) {
	r := newInProgress(t)
	require.NoError(t, r.Fail("boom"))

	c := r.Clone()
	require.NoError(t, r.Retry())

	msg, ok := c.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, "boom", msg)
	require.Equal(t, StatusFailed, c.Status())
}

func TestRecord_Validate(t *testing.T) {
	msg := "boom"
	tests := []struct {
		name    string
		record  *Record
		wantErr bool
	}{
		{"pending ok", ReconstituteRecord(1, "p", "1234", "n", "c", StatusPending, nil, time.Now(), 0, 0, 1), false},
		{"failed without message", ReconstituteRecord(1, "p", "1234", "n", "c", StatusFailed, nil, time.Now(), 0, 1, 1), true},
		{"pending with message", ReconstituteRecord(1, "p", "1234", "n", "c", StatusPending, &msg, time.Now(), 0, 1, 1), true},
		{"completed missing steps", ReconstituteRecord(1, "p", "1234", "n", "c", StatusCompleted, nil, time.Now(), NewStepSet(true, true, false), 1, 1), true},
		{"unknown status", ReconstituteRecord(1, "p", "1234", "n", "c", Status("DONE"), nil, time.Now(), 0, 1, 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestRecord_Invariants drives random operation sequences through the state
// machine and checks the record invariants and step monotonicity after each one.
func TestRecord_Invariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRecord("0600000000", "1234", "name", "cne")
		r.SetID(1)

		ops := rapid.SliceOfN(rapid.IntRange(0, 8), 1, 60).Draw(rt, "ops")
		for _, op := range ops {
			before := r.Clone()
			var err error
			switch op {
			case 0:
				err = r.Start()
			case 1:
				_, err = r.MarkStep(StepCarrierSession)
			case 2:
				_, err = r.MarkStep(StepFillName)
			case 3:
				_, err = r.MarkStep(StepFillCne)
			case 4:
				err = r.Fail(rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "msg"))
			case 5:
				err = r.Retry()
			case 6:
				err = r.Cancel()
			case 7:
				err = r.Requeue()
			case 8:
				err = r.MarkAlreadyRegistered()
			}

			var invalid *InvalidTransitionError
			if errors.As(err, &invalid) {
				if r.Status() != before.Status() || r.Steps() != before.Steps() {
					rt.Fatalf("failed transition changed the record: %v -> %v", before.Status(), r.Status())
				}
			} else if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}

			if !r.Steps().Contains(before.Steps()) {
				rt.Fatalf("steps went backwards: %08b -> %08b", before.Steps(), r.Steps())
			}
			if r.Completed() != (r.UssdExecuted() && r.NameFilled() && r.CneFilled() && r.Status() == StatusCompleted) {
				rt.Fatalf("completed flag out of sync")
			}
			_, hasMsg := r.ErrorMessage()
			if hasMsg != (r.Status() == StatusFailed) {
				rt.Fatalf("error message present=%v with status %s", hasMsg, r.Status())
			}
			if err := r.Validate(); err != nil {
				rt.Fatalf("invariant violated: %v", err)
			}
		}
	})
}
