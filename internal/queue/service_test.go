package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/infrastructure/memory"
	"github.com/simreg/regq/internal/metrics"
	"github.com/simreg/regq/internal/pubsub"
	"github.com/simreg/regq/internal/registrations/domain"
)

func TestService_EnqueueValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Enqueue(context.Background(), "12345", "12", "", "")

	var inputErr *domain.InputError
	require.True(t, errors.As(err, &inputErr))
	require.Len(t, inputErr.Reasons, 4)

	count, err := f.mem.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestService_GetIsCachedAndInvalidatedOnChange(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 1)
	ctx := context.Background()

	rec, err := f.svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status())
	require.Equal(t, 1, f.svc.cache.Len())

	// Mutating the returned copy must not touch the cached value.
	require.NoError(t, rec.Cancel())
	again, err := f.svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, again.Status())

	_, err = f.svc.Cancel(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, f.svc.cache.Len(), "change event evicts the entry")

	rec, err = f.svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec.Status())
}

func TestService_GetByPhoneReturnsMostRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Enqueue(ctx, "0612345678", "1234", "Amina", "AB1")
	require.NoError(t, err)
	got, err := f.svc.GetByPhone(ctx, "0612345678")
	require.NoError(t, err)
	require.Equal(t, first.ID(), got.ID())

	second, err := f.svc.Enqueue(ctx, "0612345678", "1234", "Amina", "AB1")
	require.NoError(t, err)
	got, err = f.svc.GetByPhone(ctx, "0612345678")
	require.NoError(t, err)
	require.Equal(t, second.ID(), got.ID(), "create event evicts the phone entry")

	_, err = f.svc.GetByPhone(ctx, "0799999999")
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestService_RetryRules(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 1)
	ctx := context.Background()

	_, err := f.svc.Retry(ctx, 1)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "PENDING cannot be retried")

	_, err = f.svc.Cancel(ctx, 1)
	require.NoError(t, err)
	rec, err := f.svc.Retry(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status())
}

func TestService_RetryAllFailed(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 3)
	fail := StepperFunc(func(_ context.Context, step domain.Step, rec *domain.Record) error {
		if rec.ID() == 2 {
			return nil
		}
		return domain.Terminal(step, "rejected")
	})
	_, err := RunOnce(context.Background(), NewSelector(f.svc.Repository()), f.executor(fail))
	require.NoError(t, err)

	n, err := f.svc.RetryAllFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, err := f.svc.ListByStatus(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, int64(1), pending[0].ID())
	require.Equal(t, int64(3), pending[1].ID())
}

func TestService_DeleteAndClear(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 3)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, 1))
	_, err = f.svc.Get(ctx, 1)
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))

	_, err = f.svc.Get(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.svc.Clear(ctx))
	require.Zero(t, f.svc.cache.Len())

	all, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestService_Stats(t *testing.T) {
	mem := memory.NewRecordRepository()
	feed := NewFeed()
	defer feed.Close()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(mem, feed, ServiceConfig{DisableCache: true}, WithMetrics(m))

	ctx := context.Background()
	for _, phone := range []string{"0600000001", "0600000002", "0600000003"} {
		_, err := svc.Enqueue(ctx, phone, "1234", "n", "c")
		require.NoError(t, err)
	}
	_, err := svc.Cancel(ctx, 3)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Remaining())
	require.Equal(t, 1, stats.Skipped())
	require.Zero(t, stats.Passed())
	require.Zero(t, stats.Failed())
	require.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("PENDING")))
}

func TestService_PublishesChanges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.feed.Subscribe(ctx)

	f.enqueue(t, 1)
	_, err := f.svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(context.Background(), 1))
	require.NoError(t, f.svc.Clear(context.Background()))

	want := []pubsub.EventType{pubsub.CreatedEvent, pubsub.UpdatedEvent, pubsub.DeletedEvent, ClearedEvent}
	for i, typ := range want {
		select {
		case e := <-events:
			require.Equal(t, typ, e.Type, "event %d", i)
			if typ == pubsub.UpdatedEvent {
				require.Equal(t, domain.StatusCancelled, e.Payload.Status())
			}
			if typ == pubsub.DeletedEvent {
				require.Equal(t, "0600000001", e.Payload.PhoneNumber())
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}
