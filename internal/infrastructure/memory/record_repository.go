// Package memory provides an in-process domain.RecordRepository used by tests
// and by `regq run --store memory` for dry runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/simreg/regq/internal/registrations/domain"
)

// RecordRepository keeps records in a map guarded by one mutex.
// Returned records are copies; callers never alias stored state.
type RecordRepository struct {
	mu      sync.Mutex
	records map[int64]*domain.Record
	nextID  int64
	closed  bool
}

// NewRecordRepository creates an empty repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{records: make(map[int64]*domain.Record)}
}

var _ domain.RecordRepository = (*RecordRepository)(nil)

func (r *RecordRepository) check(op string) error {
	if r.closed {
		return &domain.StoreUnavailableError{Op: op, Err: errClosed}
	}
	return nil
}

var errClosed = errors.New("repository closed")

func (r *RecordRepository) insertLocked(record *domain.Record) int64 {
	r.nextID++
	record.SetID(r.nextID)
	record.SetVersion(1)
	r.records[r.nextID] = record.Clone()
	return r.nextID
}

// Insert stores a new record.
func (r *RecordRepository) Insert(_ context.Context, record *domain.Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("insert"); err != nil {
		return 0, err
	}
	return r.insertLocked(record), nil
}

// InsertAll stores a batch of new records.
func (r *RecordRepository) InsertAll(_ context.Context, records []*domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("insert_all"); err != nil {
		return err
	}
	for _, record := range records {
		r.insertLocked(record)
	}
	return nil
}

// Update replaces the stored record when versions match.
func (r *RecordRepository) Update(_ context.Context, record *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("update"); err != nil {
		return err
	}
	stored, ok := r.records[record.ID()]
	if !ok {
		return &domain.RecordNotFoundError{ID: record.ID()}
	}
	if stored.Version() != record.Version() {
		return &domain.ConflictError{RecordID: record.ID(), Version: record.Version()}
	}
	record.SetVersion(record.Version() + 1)
	r.records[record.ID()] = record.Clone()
	return nil
}

// Delete removes one record.
func (r *RecordRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete"); err != nil {
		return err
	}
	if _, ok := r.records[id]; !ok {
		return &domain.RecordNotFoundError{ID: id}
	}
	delete(r.records, id)
	return nil
}

// DeleteAll removes every record. IDs keep increasing.
func (r *RecordRepository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete_all"); err != nil {
		return err
	}
	r.records = make(map[int64]*domain.Record)
	return nil
}

// FindByID returns a copy of the record.
func (r *RecordRepository) FindByID(_ context.Context, id int64) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("find_by_id"); err != nil {
		return nil, err
	}
	stored, ok := r.records[id]
	if !ok {
		return nil, &domain.RecordNotFoundError{ID: id}
	}
	return stored.Clone(), nil
}

// FindByPhoneNumber returns the newest record for the phone number.
func (r *RecordRepository) FindByPhoneNumber(_ context.Context, phoneNumber string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("find_by_phone"); err != nil {
		return nil, err
	}
	var found *domain.Record
	for _, rec := range r.records {
		if rec.PhoneNumber() == phoneNumber && (found == nil || rec.ID() > found.ID()) {
			found = rec
		}
	}
	if found == nil {
		return nil, &domain.RecordNotFoundError{PhoneNumber: phoneNumber}
	}
	return found.Clone(), nil
}

func (r *RecordRepository) sortedLocked(keep func(*domain.Record) bool) []*domain.Record {
	out := make([]*domain.Record, 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ListAll returns every record, newest first.
func (r *RecordRepository) ListAll(_ context.Context) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("list_all"); err != nil {
		return nil, err
	}
	out := r.sortedLocked(func(*domain.Record) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp().Equal(out[j].Timestamp()) {
			return out[i].ID() > out[j].ID()
		}
		return out[i].Timestamp().After(out[j].Timestamp())
	})
	return out, nil
}

// ListByStatus returns the records in a status in ID order.
func (r *RecordRepository) ListByStatus(_ context.Context, status domain.Status) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("list_by_status"); err != nil {
		return nil, err
	}
	return r.sortedLocked(func(rec *domain.Record) bool { return rec.Status() == status }), nil
}

// ListStale returns the records in status last touched before the cutoff.
func (r *RecordRepository) ListStale(_ context.Context, status domain.Status, before time.Time) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("list_stale"); err != nil {
		return nil, err
	}
	return r.sortedLocked(func(rec *domain.Record) bool {
		return rec.Status() == status && rec.Timestamp().Before(before)
	}), nil
}

func (r *RecordRepository) firstPendingLocked() *domain.Record {
	var first *domain.Record
	for _, rec := range r.records {
		if rec.Status() == domain.StatusPending && (first == nil || rec.ID() < first.ID()) {
			first = rec
		}
	}
	return first
}

// FirstPending returns the pending record with the smallest ID, or nil.
func (r *RecordRepository) FirstPending(_ context.Context) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("first_pending"); err != nil {
		return nil, err
	}
	if first := r.firstPendingLocked(); first != nil {
		return first.Clone(), nil
	}
	return nil, nil
}

// ClaimNextPending starts the oldest pending record under the repository lock.
func (r *RecordRepository) ClaimNextPending(_ context.Context, now time.Time) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("claim"); err != nil {
		return nil, err
	}
	first := r.firstPendingLocked()
	if first == nil {
		return nil, nil
	}
	claimed := first.Clone()
	if err := claimed.Start(); err != nil {
		return nil, err
	}
	// Pending records carry no message, so none is copied.
	claimed = domain.ReconstituteRecord(
		claimed.ID(), claimed.PhoneNumber(), claimed.PukLastFour(), claimed.FullName(), claimed.Cne(),
		claimed.Status(), nil, now, claimed.Steps(), claimed.Attempts(), claimed.Version()+1,
	)
	r.records[claimed.ID()] = claimed
	return claimed.Clone(), nil
}

// CountByStatus returns the number of records in a status.
func (r *RecordRepository) CountByStatus(_ context.Context, status domain.Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("count_by_status"); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range r.records {
		if rec.Status() == status {
			n++
		}
	}
	return n, nil
}

// Count returns the number of stored records.
func (r *RecordRepository) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("count"); err != nil {
		return 0, err
	}
	return len(r.records), nil
}

// Close marks the repository unavailable. Later calls fail with StoreUnavailableError.
func (r *RecordRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Put stores a record as-is, keeping its ID and status. Test helper for seeding
// states that are not reachable through Insert, such as stale IN_PROGRESS rows.
func (r *RecordRepository) Put(record *domain.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID() > r.nextID {
		r.nextID = record.ID()
	}
	r.records[record.ID()] = record.Clone()
}
