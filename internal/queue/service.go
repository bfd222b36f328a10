package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/simreg/regq/internal/cachemanager"
	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

// ServiceConfig configures the point-query cache.
type ServiceConfig struct {
	CacheTTL     time.Duration
	CacheCleanup time.Duration
	DisableCache bool
}

// ServiceConfigFrom reads the cache section of the application config.
func ServiceConfigFrom(c config.CacheConfig) ServiceConfig {
	return ServiceConfig{CacheTTL: c.TTL, CacheCleanup: c.CleanupInterval, DisableCache: c.TTL <= 0}
}

// Stats is a snapshot of record counts.
type Stats struct {
	Total    int                   `json:"total"`
	ByStatus map[domain.Status]int `json:"by_status"`
}

// Remaining counts records still to be processed.
func (s Stats) Remaining() int {
	return s.ByStatus[domain.StatusPending] + s.ByStatus[domain.StatusInProgress]
}

// Passed counts records that need no further work.
func (s Stats) Passed() int {
	return s.ByStatus[domain.StatusCompleted] + s.ByStatus[domain.StatusAlreadyRegistered]
}

// Failed counts FAILED records.
func (s Stats) Failed() int { return s.ByStatus[domain.StatusFailed] }

// Skipped counts records an operator cancelled.
func (s Stats) Skipped() int { return s.ByStatus[domain.StatusCancelled] }

// Service is the operator facade over the record store: enqueue, inspect,
// retry, cancel and delete.
type Service struct {
	repo    domain.RecordRepository
	tracker *Tracker
	feed    *Feed
	cfg     ServiceConfig
	opts    options

	cache   *cachemanager.InMemoryCacheManager[string, *domain.Record]
	byID    *cachemanager.ReadThroughCache[string, *domain.Record, int64]
	byPhone *cachemanager.ReadThroughCache[string, *domain.Record, string]
}

// NewService wraps repo so that every write is published on feed, and keeps
// the point-query cache in step with those events. Workers must use
// Service.Repository so their writes are published too.
func NewService(repo domain.RecordRepository, feed *Feed, cfg ServiceConfig, opts ...Option) *Service {
	o := buildOptions(opts)
	observed := Observe(repo, feed, o.metrics)

	s := &Service{
		repo:    observed,
		tracker: NewTracker(observed),
		feed:    feed,
		cfg:     cfg,
		opts:    o,
		cache:   cachemanager.NewInMemoryCacheManager[string, *domain.Record]("records", cfg.CacheTTL, cfg.CacheCleanup),
	}
	s.byID = cachemanager.NewReadThroughCache[string, *domain.Record, int64](s.cache, observed.FindByID, cfg.DisableCache)
	s.byPhone = cachemanager.NewReadThroughCache[string, *domain.Record, string](s.cache, observed.FindByPhoneNumber, cfg.DisableCache)

	feed.OnPublish(s.invalidate)
	feed.OnDrop(func(RecordEvent) { o.metrics.IncFeedDropped() })
	return s
}

// Repository is the publishing repository shared with workers.
func (s *Service) Repository() domain.RecordRepository { return s.repo }

// Feed is the change feed.
func (s *Service) Feed() *Feed { return s.feed }

func idKey(id int64) string { return "id:" + strconv.FormatInt(id, 10) }
func phoneKey(phone string) string { return "phone:" + phone }

// invalidate runs for every published change. byID and byPhone share one
// cache, so either wrapper reaches both key spaces.
func (s *Service) invalidate(e RecordEvent) {
	ctx := context.Background()
	if e.Type == ClearedEvent || e.Payload == nil {
		_ = s.byID.Reset(ctx)
		return
	}
	_ = s.byID.Invalidate(ctx, idKey(e.Payload.ID()), phoneKey(e.Payload.PhoneNumber()))
}

// Enqueue validates and stores a new PENDING registration.
func (s *Service) Enqueue(ctx context.Context, phoneNumber, pukLastFour, fullName, cne string) (*domain.Record, error) {
	if err := domain.ValidateInput(phoneNumber, pukLastFour, fullName, cne); err != nil {
		return nil, err
	}
	rec := domain.NewRecord(phoneNumber, pukLastFour, fullName, cne)
	if _, err := s.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", phoneNumber, err)
	}
	log.Info(log.CatQueue, "Enqueued registration", "id", rec.ID(), "phone", phoneNumber)
	return rec.Clone(), nil
}

// EnqueueAll stores records in one transaction, in slice order, so ids
// follow the order of the import file.
func (s *Service) EnqueueAll(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.InsertAll(ctx, records); err != nil {
		return fmt.Errorf("enqueue %d records: %w", len(records), err)
	}
	log.Info(log.CatQueue, "Enqueued batch", "count", len(records))
	return nil
}

// Retry moves a FAILED or CANCELLED record back to PENDING. Completed
// steps stay recorded, so processing resumes at the first missing one.
func (s *Service) Retry(ctx context.Context, id int64) (*domain.Record, error) {
	rec, err := s.tracker.Transition(ctx, id, (*domain.Record).Retry)
	if err != nil {
		return nil, fmt.Errorf("retry record %d: %w", id, err)
	}
	log.Info(log.CatQueue, "Record requeued by operator", "id", id, "missing", rec.Steps().Missing())
	return rec.Clone(), nil
}

// RetryAllFailed requeues every FAILED record and returns how many moved.
func (s *Service) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := s.repo.ListByStatus(ctx, domain.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed records: %w", err)
	}
	n := 0
	for _, rec := range failed {
		_, err := s.tracker.Transition(ctx, rec.ID(), (*domain.Record).Retry)
		var (
			invalid  *domain.InvalidTransitionError
			notFound *domain.RecordNotFoundError
		)
		switch {
		case err == nil:
			n++
		case errors.As(err, &invalid), errors.As(err, &notFound):
			// Changed since listing.
		default:
			return n, fmt.Errorf("retry record %d: %w", rec.ID(), err)
		}
	}
	return n, nil
}

// Cancel stops a PENDING or IN_PROGRESS record. A worker holding the record
// notices on its next progress write and drops it.
func (s *Service) Cancel(ctx context.Context, id int64) (*domain.Record, error) {
	rec, err := s.tracker.Transition(ctx, id, (*domain.Record).Cancel)
	if err != nil {
		return nil, fmt.Errorf("cancel record %d: %w", id, err)
	}
	log.Info(log.CatQueue, "Record cancelled", "id", id)
	return rec.Clone(), nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// Clear removes every record.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.repo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	log.Warn(log.CatQueue, "All records deleted")
	return nil
}

// Get returns record id, served from cache when fresh.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Record, error) {
	rec, err := s.byID.Get(ctx, idKey(id), id, s.cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// GetByPhone returns the most recent record for phoneNumber.
func (s *Service) GetByPhone(ctx context.Context, phoneNumber string) (*domain.Record, error) {
	rec, err := s.byPhone.Get(ctx, phoneKey(phoneNumber), phoneNumber, s.cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// List returns every record, most recently changed first.
func (s *Service) List(ctx context.Context) ([]*domain.Record, error) {
	return s.repo.ListAll(ctx)
}

// ListByStatus returns records in status, oldest id first.
func (s *Service) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Record, error) {
	return s.repo.ListByStatus(ctx, status)
}

// Stats counts records per status and refreshes the queue depth gauge.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", err)
	}
	stats := Stats{Total: total, ByStatus: make(map[domain.Status]int)}
	depth := make(map[string]int)
	for _, status := range domain.AllStatuses() {
		n, err := s.repo.CountByStatus(ctx, status)
		if err != nil {
			return Stats{}, fmt.Errorf("count %s records: %w", status, err)
		}
		stats.ByStatus[status] = n
		depth[string(status)] = n
	}
	s.opts.metrics.SetDepth(depth)
	return stats, nil
}
