package queue

import (
	"context"
	"errors"
	"time"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/metrics"
	"github.com/simreg/regq/internal/pubsub"
	"github.com/simreg/regq/internal/registrations/domain"
)

// observedRepository decorates a RecordRepository so every successful
// mutation is published on the feed and every store failure is counted.
type observedRepository struct {
	domain.RecordRepository
	feed    *Feed
	metrics *metrics.Metrics
}

// Observe wraps repo so writes publish change events. Components that write
// records should all share the returned repository.
func Observe(repo domain.RecordRepository, feed *Feed, m *metrics.Metrics) domain.RecordRepository {
	if o, ok := repo.(*observedRepository); ok {
		repo = o.RecordRepository
	}
	return &observedRepository{RecordRepository: repo, feed: feed, metrics: m}
}

func (r *observedRepository) failed(op string, err error) error {
	var unavailable *domain.StoreUnavailableError
	if errors.As(err, &unavailable) {
		r.metrics.IncStoreFailure(op)
		log.ErrorErr(log.CatDB, "Store operation failed", err, "op", op)
	}
	return err
}

func (r *observedRepository) Insert(ctx context.Context, record *domain.Record) (int64, error) {
	id, err := r.RecordRepository.Insert(ctx, record)
	if err != nil {
		return 0, r.failed("insert", err)
	}
	r.feed.Publish(pubsub.CreatedEvent, record)
	return id, nil
}

func (r *observedRepository) InsertAll(ctx context.Context, records []*domain.Record) error {
	if err := r.RecordRepository.InsertAll(ctx, records); err != nil {
		return r.failed("insert_all", err)
	}
	for _, rec := range records {
		r.feed.Publish(pubsub.CreatedEvent, rec)
	}
	return nil
}

func (r *observedRepository) Update(ctx context.Context, record *domain.Record) error {
	if err := r.RecordRepository.Update(ctx, record); err != nil {
		return r.failed("update", err)
	}
	r.feed.Publish(pubsub.UpdatedEvent, record)
	return nil
}

func (r *observedRepository) Delete(ctx context.Context, id int64) error {
	// The snapshot lets subscribers and the cache drop phone-keyed entries.
	existing, findErr := r.RecordRepository.FindByID(ctx, id)
	if err := r.RecordRepository.Delete(ctx, id); err != nil {
		return r.failed("delete", err)
	}
	if findErr != nil {
		existing = domain.ReconstituteRecord(id, "", "", "", "", domain.StatusPending, nil, time.Now(), 0, 0, 0)
	}
	r.feed.Publish(pubsub.DeletedEvent, existing)
	return nil
}

func (r *observedRepository) DeleteAll(ctx context.Context) error {
	if err := r.RecordRepository.DeleteAll(ctx); err != nil {
		return r.failed("delete_all", err)
	}
	r.feed.Publish(ClearedEvent, nil)
	return nil
}

func (r *observedRepository) ClaimNextPending(ctx context.Context, now time.Time) (*domain.Record, error) {
	rec, err := r.RecordRepository.ClaimNextPending(ctx, now)
	if err != nil {
		return nil, r.failed("claim", err)
	}
	if rec != nil {
		r.feed.Publish(pubsub.UpdatedEvent, rec)
	}
	return rec, nil
}

func (r *observedRepository) FindByID(ctx context.Context, id int64) (*domain.Record, error) {
	rec, err := r.RecordRepository.FindByID(ctx, id)
	if err != nil {
		return nil, r.failed("find_by_id", err)
	}
	return rec, nil
}

func (r *observedRepository) ListStale(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Record, error) {
	recs, err := r.RecordRepository.ListStale(ctx, status, before)
	if err != nil {
		return nil, r.failed("list_stale", err)
	}
	return recs, nil
}
