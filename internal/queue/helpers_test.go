package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/infrastructure/memory"
	"github.com/simreg/regq/internal/registrations/domain"
)

type mockStepper struct {
	mock.Mock
}

func newMockStepper(t *testing.T) *mockStepper {
	m := &mockStepper{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Run matches on the record id. A func(context.Context) error return value is
// invoked with the step context.
func (m *mockStepper) Run(ctx context.Context, step domain.Step, rec *domain.Record) error {
	args := m.Called(step, rec.ID())
	if fn, ok := args.Get(0).(func(context.Context) error); ok {
		return fn(ctx)
	}
	return args.Error(0)
}

var testExecutorConfig = ExecutorConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

type fixture struct {
	mem  *memory.RecordRepository
	feed *Feed
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.NewRecordRepository()
	feed := NewFeed()
	t.Cleanup(feed.Close)
	svc := NewService(mem, feed, ServiceConfig{CacheTTL: time.Minute, CacheCleanup: time.Minute})
	return &fixture{mem: mem, feed: feed, svc: svc}
}

func (f *fixture) enqueue(t *testing.T, n int) []*domain.Record {
	t.Helper()
	out := make([]*domain.Record, n)
	for i := range out {
		rec, err := f.svc.Enqueue(context.Background(), fmt.Sprintf("06%08d", i+1), "1234", "Amina Benali", "AB123456")
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func (f *fixture) executor(stepper Stepper, opts ...Option) *Executor {
	return NewExecutor(f.svc.Repository(), stepper, testExecutorConfig, opts...)
}

func (f *fixture) claim(t *testing.T) *domain.Record {
	t.Helper()
	rec, err := NewSelector(f.svc.Repository()).NextEligible(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) load(t *testing.T, id int64) *domain.Record {
	t.Helper()
	rec, err := f.mem.FindByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}
