package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/testutil"
)

// setupTestRepo creates a new DB and returns the repository for testing.
// The DB is closed when the test completes.
func setupTestRepo(t *testing.T) (domain.RecordRepository, *DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { db.Close() })
	return db.RecordRepository(), db
}

func newRecord(phone string) *domain.Record {
	return domain.NewRecord(phone, "1234", "Amina Benali", "AB123456")
}

func TestRecordRepository_Insert(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	record := newRecord("0600000001")
	id, err := repo.Insert(ctx, record)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))
	require.Equal(t, id, record.ID())
	require.Equal(t, int64(1), record.Version())

	found, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "0600000001", found.PhoneNumber())
	require.Equal(t, "1234", found.PukLastFour())
	require.Equal(t, "Amina Benali", found.FullName())
	require.Equal(t, "AB123456", found.Cne())
	require.Equal(t, domain.StatusPending, found.Status())
	require.False(t, found.UssdExecuted())
	require.WithinDuration(t, record.Timestamp(), found.Timestamp(), time.Millisecond)
}

func TestRecordRepository_FindByID_NotFound(t *testing.T) {
	repo, _ := setupTestRepo(t)

	_, err := repo.FindByID(context.Background(), 999)
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, int64(999), notFound.ID)
}

func TestRecordRepository_FindByPhoneNumber_MostRecent(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	first := newRecord("0600000001")
	_, err := repo.Insert(ctx, first)
	require.NoError(t, err)
	second := newRecord("0600000001")
	_, err = repo.Insert(ctx, second)
	require.NoError(t, err)

	found, err := repo.FindByPhoneNumber(ctx, "0600000001")
	require.NoError(t, err)
	require.Equal(t, second.ID(), found.ID())

	_, err = repo.FindByPhoneNumber(ctx, "0799999999")
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestRecordRepository_Update(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	record := newRecord("0600000001")
	_, err := repo.Insert(ctx, record)
	require.NoError(t, err)

	claimed, err := repo.ClaimNextPending(ctx, time.Now())
	require.NoError(t, err)
	_, err = claimed.MarkStep(domain.StepCarrierSession)
	require.NoError(t, err)
	require.NoError(t, claimed.Fail("carrier timeout"))
	require.NoError(t, repo.Update(ctx, claimed))

	found, err := repo.FindByID(ctx, record.ID())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, found.Status())
	msg, ok := found.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, "carrier timeout", msg)
	require.True(t, found.UssdExecuted())
	require.Equal(t, 1, found.Attempts())
	require.Equal(t, claimed.Version(), found.Version())
}

func TestRecordRepository_Update_Conflict(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	record := newRecord("0600000001")
	_, err := repo.Insert(ctx, record)
	require.NoError(t, err)

	a, err := repo.FindByID(ctx, record.ID())
	require.NoError(t, err)
	b, err := repo.FindByID(ctx, record.ID())
	require.NoError(t, err)

	require.NoError(t, a.Cancel())
	require.NoError(t, repo.Update(ctx, a))

	require.NoError(t, b.Cancel())
	err = repo.Update(ctx, b)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict), "stale write should be rejected")
}

func TestRecordRepository_Update_NotFound(t *testing.T) {
	repo, _ := setupTestRepo(t)

	record := domain.ReconstituteRecord(42, "0600000001", "1234", "n", "c",
		domain.StatusPending, nil, time.Now(), 0, 0, 1)
	err := repo.Update(context.Background(), record)
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestRecordRepository_InsertAll(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	records := []*domain.Record{newRecord("0600000001"), newRecord("0600000002"), newRecord("0700000003")}
	require.NoError(t, repo.InsertAll(ctx, records))
	for _, r := range records {
		require.Greater(t, r.ID(), int64(0))
	}

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	pending, err := repo.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, records[0].ID(), pending[0].ID(), "ListByStatus is in ID order")
}

func TestRecordRepository_ClaimNextPending_FIFO(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		r := newRecord(fmt.Sprintf("060000000%d", i))
		id, err := repo.Insert(ctx, r)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := repo.FirstPending(ctx)
	require.NoError(t, err)
	require.Equal(t, ids[0], first.ID())

	for _, want := range ids {
		claimed, err := repo.ClaimNextPending(ctx, time.Now())
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, want, claimed.ID())
		require.Equal(t, domain.StatusInProgress, claimed.Status())
		require.Equal(t, 1, claimed.Attempts())
	}

	claimed, err := repo.ClaimNextPending(ctx, time.Now())
	require.NoError(t, err)
	require.Nil(t, claimed, "empty queue yields nil")

	first, err = repo.FirstPending(ctx)
	require.NoError(t, err)
	require.Nil(t, first)
}

func TestRecordRepository_ClaimNextPending_SkipsNonPending(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	failed := newRecord("0600000001")
	_, err := repo.Insert(ctx, failed)
	require.NoError(t, err)
	claimed, err := repo.ClaimNextPending(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, claimed.Fail("boom"))
	require.NoError(t, repo.Update(ctx, claimed))

	pending := newRecord("0600000002")
	_, err = repo.Insert(ctx, pending)
	require.NoError(t, err)

	next, err := repo.ClaimNextPending(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, pending.ID(), next.ID(), "failed records are not eligible")
}

// TestRecordRepository_ClaimNextPending_Concurrent claims from several connections
// to the same file at once and checks that no record is handed out twice.
func TestRecordRepository_ClaimNextPending_Concurrent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seed, err := NewDB(dbPath)
	require.NoError(t, err)
	defer seed.Close()

	ctx := context.Background()
	const total = 40
	records := make([]*domain.Record, total)
	for i := range records {
		records[i] = newRecord(fmt.Sprintf("06%08d", i))
	}
	require.NoError(t, seed.RecordRepository().InsertAll(ctx, records))

	const workers = 4
	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		db, err := NewDB(dbPath)
		require.NoError(t, err)
		defer db.Close()
		repo := db.RecordRepository()

		wg.Add(1)
		go func() {
			defer wg.Done()
			failures := 0
			for failures < 10 {
				r, err := repo.ClaimNextPending(ctx, time.Now())
				if err != nil {
					failures++
					continue
				}
				if r == nil {
					return
				}
				mu.Lock()
				claimed[r.ID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		require.Equal(t, 1, n, "record %d claimed %d times", id, n)
	}
}

func TestRecordRepository_ListStale(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := repo.Insert(ctx, newRecord(fmt.Sprintf("060000000%d", i)))
		require.NoError(t, err)
	}
	now := time.Now()
	old, err := repo.ClaimNextPending(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = repo.ClaimNextPending(ctx, now)
	require.NoError(t, err)

	stale, err := repo.ListStale(ctx, domain.StatusInProgress, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.ID(), stale[0].ID())
}

func TestRecordRepository_DeleteAndCount(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	a := newRecord("0600000001")
	b := newRecord("0600000002")
	require.NoError(t, repo.InsertAll(ctx, []*domain.Record{a, b}))

	require.NoError(t, repo.Delete(ctx, a.ID()))
	var notFound *domain.RecordNotFoundError
	require.True(t, errors.As(repo.Delete(ctx, a.ID()), &notFound))

	n, err := repo.CountByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, repo.DeleteAll(ctx))
	n, err = repo.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecordRepository_ListAll_NewestFirst(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	a := newRecord("0600000001")
	_, err := repo.Insert(ctx, a)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	b := newRecord("0600000002")
	_, err = repo.Insert(ctx, b)
	require.NoError(t, err)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, b.ID(), all[0].ID())
}

func TestRecordRepository_LegacyStatusNormalized(t *testing.T) {
	repo, db := setupTestRepo(t)
	ctx := context.Background()

	_, err := db.conn.Exec(
		`INSERT INTO registration_records (phone_number, puk_last_four, full_name, cne, status, error_message, timestamp, ussd_executed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"0600000001", "1234", "n", "c", "USSD_SENT", "leftover", time.Now().UnixMilli(), 1,
	)
	require.NoError(t, err)
	_, err = db.conn.Exec(
		`INSERT INTO registration_records (phone_number, puk_last_four, full_name, cne, status, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"0600000002", "1234", "n", "c", "FAILED", time.Now().UnixMilli(),
	)
	require.NoError(t, err)

	r, err := repo.FindByPhoneNumber(ctx, "0600000001")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, r.Status())
	require.NoError(t, r.Validate())

	f, err := repo.FindByPhoneNumber(ctx, "0600000002")
	require.NoError(t, err)
	msg, ok := f.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, domain.DefaultFailureMessage, msg)
}

func TestRecordRepository_MixedQueue(t *testing.T) {
	repo, db := setupTestRepo(t)
	ctx := context.Background()
	testutil.NewBuilder(t).WithMixedQueue().IntoDB(db.conn)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = repo.CountByStatus(ctx, domain.StatusInProgress)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stale, err := repo.ListStale(ctx, domain.StatusInProgress, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, int64(3), stale[0].ID())
	require.True(t, stale[0].UssdExecuted())

	failed, err := repo.FindByID(ctx, 5)
	require.NoError(t, err)
	msg, ok := failed.ErrorMessage()
	require.True(t, ok)
	require.Equal(t, "fill_cne: form rejected", msg)
	require.Equal(t, 3, failed.Attempts())

	claimed, err := repo.ClaimNextPending(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), claimed.ID())

	// New inserts continue after the seeded ids.
	id, err := repo.Insert(ctx, newRecord("0600000099"))
	require.NoError(t, err)
	require.Equal(t, int64(9), id)
}

func TestRecordRepository_StoreUnavailable(t *testing.T) {
	repo, db := setupTestRepo(t)
	require.NoError(t, db.Close())

	_, err := repo.Count(context.Background())
	var unavailable *domain.StoreUnavailableError
	require.True(t, errors.As(err, &unavailable))
	require.Equal(t, "count", unavailable.Op)
}

// TestRecordRepository_ClaimOrderProperty checks that claims always come out in
// insertion order whatever mix of statuses precedes them.
func TestRecordRepository_ClaimOrderProperty(t *testing.T) {
	repo, db := setupTestRepo(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		_, err := db.conn.Exec(`DELETE FROM registration_records`)
		if err != nil {
			rt.Fatalf("reset: %v", err)
		}

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		var pendingIDs []int64
		for i := 0; i < n; i++ {
			r := newRecord(fmt.Sprintf("06%08d", i))
			if rapid.Bool().Draw(rt, "cancelled") {
				_ = r.Cancel()
			}
			id, err := repo.Insert(ctx, r)
			if err != nil {
				rt.Fatalf("insert: %v", err)
			}
			if r.Status() == domain.StatusPending {
				pendingIDs = append(pendingIDs, id)
			}
		}

		for _, want := range pendingIDs {
			got, err := repo.ClaimNextPending(ctx, time.Now())
			if err != nil {
				rt.Fatalf("claim: %v", err)
			}
			if got == nil || got.ID() != want {
				rt.Fatalf("expected claim of %d, got %v", want, got)
			}
		}
		got, err := repo.ClaimNextPending(ctx, time.Now())
		if err != nil || got != nil {
			rt.Fatalf("expected drained queue, got %v, %v", got, err)
		}
	})
}
