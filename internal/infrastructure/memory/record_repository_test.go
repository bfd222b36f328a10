package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/testutil"
)

func TestRecordRepository_ClaimFIFO(t *testing.T) {
	repo := NewRecordRepository()
	ctx := context.Background()

	a := domain.NewRecord("0600000001", "1234", "n", "c")
	b := domain.NewRecord("0600000002", "1234", "n", "c")
	require.NoError(t, repo.InsertAll(ctx, []*domain.Record{a, b}))

	now := time.Now()
	got, err := repo.ClaimNextPending(ctx, now)
	require.NoError(t, err)
	require.Equal(t, a.ID(), got.ID())
	require.Equal(t, domain.StatusInProgress, got.Status())
	require.Equal(t, now, got.Timestamp())
	require.Equal(t, int64(2), got.Version())

	got, err = repo.ClaimNextPending(ctx, now)
	require.NoError(t, err)
	require.Equal(t, b.ID(), got.ID())

	got, err = repo.ClaimNextPending(ctx, now)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRecordRepository_ReturnsCopies(t *testing.T) {
	repo := NewRecordRepository()
	ctx := context.Background()

	r := domain.NewRecord("0600000001", "1234", "n", "c")
	_, err := repo.Insert(ctx, r)
	require.NoError(t, err)

	require.NoError(t, r.Cancel()) // local mutation only

	found, err := repo.FindByID(ctx, r.ID())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, found.Status())
}

func TestRecordRepository_UpdateConflict(t *testing.T) {
	repo := NewRecordRepository()
	ctx := context.Background()

	r := domain.NewRecord("0600000001", "1234", "n", "c")
	_, err := repo.Insert(ctx, r)
	require.NoError(t, err)

	stale := r.Clone()
	require.NoError(t, r.Cancel())
	require.NoError(t, repo.Update(ctx, r))

	require.NoError(t, stale.Cancel())
	var conflict *domain.ConflictError
	require.True(t, errors.As(repo.Update(ctx, stale), &conflict))
}

func TestRecordRepository_ConcurrentClaims(t *testing.T) {
	repo := NewRecordRepository()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := repo.Insert(ctx, domain.NewRecord("0600000001", "1234", "n", "c"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := repo.ClaimNextPending(ctx, time.Now())
				if err != nil || r == nil {
					return
				}
				mu.Lock()
				if seen[r.ID()] {
					mu.Unlock()
					t.Errorf("record %d claimed twice", r.ID())
					return
				}
				seen[r.ID()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 100)
}

func TestRecordRepository_Closed(t *testing.T) {
	repo := NewRecordRepository()
	require.NoError(t, repo.Close())

	_, err := repo.Count(context.Background())
	var unavailable *domain.StoreUnavailableError
	require.True(t, errors.As(err, &unavailable))
}

func TestRecordRepository_ListStaleAndPut(t *testing.T) {
	repo := NewRecordRepository()
	ctx := context.Background()

	old := testutil.Record(5, testutil.Status(domain.StatusInProgress), testutil.Since(10*time.Minute))
	fresh := testutil.Record(6, testutil.Status(domain.StatusInProgress))
	repo.Put(old)
	repo.Put(fresh)

	stale, err := repo.ListStale(ctx, domain.StatusInProgress, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, int64(5), stale[0].ID())

	id, err := repo.Insert(ctx, domain.NewRecord("0600000003", "1234", "n", "c"))
	require.NoError(t, err)
	require.Equal(t, int64(7), id, "IDs continue after seeded records")
}
