package domain

import (
	"context"
	"time"
)

// RecordRepository defines the persistence interface for registration records.
// Implementations may use SQLite, PostgreSQL, or in-memory storage. Every
// mutating call is atomic on its own; failures of the backing store are
// reported as *StoreUnavailableError.
type RecordRepository interface {
	// Insert persists a new record, assigns its ID, and returns it.
	Insert(ctx context.Context, record *Record) (int64, error)

	// InsertAll persists a batch of new records in one transaction.
	InsertAll(ctx context.Context, records []*Record) error

	// Update writes the record if its version still matches the stored one.
	// Returns ConflictError when another writer got there first and
	// RecordNotFoundError when the record no longer exists.
	Update(ctx context.Context, record *Record) error

	// Delete removes one record. Returns RecordNotFoundError if it does not exist.
	Delete(ctx context.Context, id int64) error

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error

	// FindByID retrieves a record by its identifier.
	FindByID(ctx context.Context, id int64) (*Record, error)

	// FindByPhoneNumber retrieves the most recently created record for a phone number.
	FindByPhoneNumber(ctx context.Context, phoneNumber string) (*Record, error)

	// ListAll returns every record ordered by timestamp descending.
	ListAll(ctx context.Context) ([]*Record, error)

	// ListByStatus returns the records in a status ordered by ID ascending.
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)

	// ListStale returns the records in a status whose timestamp is before the cutoff.
	ListStale(ctx context.Context, status Status, before time.Time) ([]*Record, error)

	// FirstPending returns the pending record with the smallest ID, or nil.
	FirstPending(ctx context.Context) (*Record, error)

	// ClaimNextPending atomically selects the pending record with the smallest ID
	// and moves it to IN_PROGRESS with the given timestamp. Returns nil when no
	// record is pending. Concurrent callers never claim the same record.
	ClaimNextPending(ctx context.Context, now time.Time) (*Record, error)

	// CountByStatus returns the number of records in a status.
	CountByStatus(ctx context.Context, status Status) (int, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int, error)

	// Close releases any resources held by the repository.
	Close() error
}
