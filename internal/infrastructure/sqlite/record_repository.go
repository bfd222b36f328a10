package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/simreg/regq/internal/registrations/domain"
)

// recordColumns is the list of columns to select for record queries.
const recordColumns = `id, phone_number, puk_last_four, full_name, cne, status, error_message,
	timestamp, ussd_executed, name_filled, cne_filled, completed, attempts, version`

// recordRepository implements domain.RecordRepository using SQLite.
type recordRepository struct {
	db *sql.DB
}

// newRecordRepository creates a new recordRepository instance.
func newRecordRepository(db *sql.DB) *recordRepository {
	return &recordRepository{db: db}
}

// Ensure recordRepository implements domain.RecordRepository.
var _ domain.RecordRepository = (*recordRepository)(nil)

// scanRecord scans a row into a RecordModel.
func scanRecord(scanner interface{ Scan(...any) error }) (*RecordModel, error) {
	var model RecordModel
	err := scanner.Scan(
		&model.ID, &model.PhoneNumber, &model.PukLastFour, &model.FullName, &model.Cne,
		&model.Status, &model.ErrorMessage, &model.Timestamp,
		&model.UssdExecuted, &model.NameFilled, &model.CneFilled, &model.Completed,
		&model.Attempts, &model.Version,
	)
	return &model, err
}

func unavailable(op string, err error) error {
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

const insertRecord = `INSERT INTO registration_records (
		phone_number, puk_last_four, full_name, cne, status, error_message, timestamp,
		ussd_executed, name_filled, cne_filled, completed, attempts, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, record *domain.Record) (int64, error) {
	model := toRecordModel(record)
	result, err := db.ExecContext(ctx, insertRecord,
		model.PhoneNumber, model.PukLastFour, model.FullName, model.Cne,
		model.Status, model.ErrorMessage, model.Timestamp,
		model.UssdExecuted, model.NameFilled, model.CneFilled, model.Completed, model.Attempts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	record.SetID(id)
	record.SetVersion(1)
	return id, nil
}

// Insert persists a new record and assigns its ID.
func (r *recordRepository) Insert(ctx context.Context, record *domain.Record) (int64, error) {
	id, err := insert(ctx, r.db, record)
	if err != nil {
		return 0, unavailable("insert", err)
	}
	return id, nil
}

// InsertAll persists a batch of new records in one transaction.
// Either every record is inserted or none is.
func (r *recordRepository) InsertAll(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("insert_all", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(records))
	for _, record := range records {
		id, err := insert(ctx, tx, record)
		if err != nil {
			for i := range ids {
				records[i].SetID(0)
			}
			return unavailable("insert_all", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		for _, record := range records {
			record.SetID(0)
		}
		return unavailable("insert_all", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Update writes the record when the stored version matches record.Version()
// and bumps the version on success.
func (r *recordRepository) Update(ctx context.Context, record *domain.Record) error {
	model := toRecordModel(record)
	result, err := r.db.ExecContext(ctx,
		`UPDATE registration_records SET
			phone_number = ?, puk_last_four = ?, full_name = ?, cne = ?,
			status = ?, error_message = ?, timestamp = ?,
			ussd_executed = ?, name_filled = ?, cne_filled = ?, completed = ?,
			attempts = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		model.PhoneNumber, model.PukLastFour, model.FullName, model.Cne,
		model.Status, model.ErrorMessage, model.Timestamp,
		model.UssdExecuted, model.NameFilled, model.CneFilled, model.Completed,
		model.Attempts,
		model.ID, model.Version,
	)
	if err != nil {
		return unavailable("update", fmt.Errorf("failed to update record: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable("update", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rowsAffected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM registration_records WHERE id = ?`, model.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.RecordNotFoundError{ID: model.ID}
		}
		if err != nil {
			return unavailable("update", fmt.Errorf("failed to check record existence: %w", err))
		}
		return &domain.ConflictError{RecordID: model.ID, Version: model.Version}
	}
	record.SetVersion(model.Version + 1)
	return nil
}

// Delete removes one record.
func (r *recordRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registration_records WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete", fmt.Errorf("failed to delete record: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable("delete", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rowsAffected == 0 {
		return &domain.RecordNotFoundError{ID: id}
	}
	return nil
}

// DeleteAll removes every record.
func (r *recordRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM registration_records`); err != nil {
		return unavailable("delete_all", fmt.Errorf("failed to delete records: %w", err))
	}
	return nil
}

// FindByID retrieves a record by its ID.
func (r *recordRepository) FindByID(ctx context.Context, id int64) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM registration_records WHERE id = ?`, id)
	model, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RecordNotFoundError{ID: id}
	}
	if err != nil {
		return nil, unavailable("find_by_id", fmt.Errorf("failed to find record by id: %w", err))
	}
	return model.toDomain(), nil
}

// FindByPhoneNumber retrieves the newest record for a phone number.
func (r *recordRepository) FindByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE phone_number = ? ORDER BY id DESC LIMIT 1`, phoneNumber)
	model, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RecordNotFoundError{PhoneNumber: phoneNumber}
	}
	if err != nil {
		return nil, unavailable("find_by_phone", fmt.Errorf("failed to find record by phone: %w", err))
	}
	return model.toDomain(), nil
}

func (r *recordRepository) list(ctx context.Context, op, query string, args ...any) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("failed to query records: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.Record
	for rows.Next() {
		model, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, fmt.Errorf("failed to scan record: %w", err))
		}
		records = append(records, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, fmt.Errorf("failed to iterate records: %w", err))
	}
	return records, nil
}

// ListAll returns every record, newest first.
func (r *recordRepository) ListAll(ctx context.Context) ([]*domain.Record, error) {
	return r.list(ctx, "list_all",
		`SELECT `+recordColumns+` FROM registration_records ORDER BY timestamp DESC, id DESC`)
}

// ListByStatus returns the records in a status in queue order.
func (r *recordRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Record, error) {
	return r.list(ctx, "list_by_status",
		`SELECT `+recordColumns+` FROM registration_records WHERE status = ? ORDER BY id ASC`,
		status.String())
}

// ListStale returns records in status whose last mutation is older than before.
func (r *recordRepository) ListStale(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Record, error) {
	return r.list(ctx, "list_stale",
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE status = ? AND timestamp < ? ORDER BY id ASC`,
		status.String(), before.UnixMilli())
}

// FirstPending returns the pending record with the smallest ID, or nil.
func (r *recordRepository) FirstPending(ctx context.Context) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE status = ? ORDER BY id ASC LIMIT 1`, domain.StatusPending.String())
	model, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("first_pending", fmt.Errorf("failed to select pending record: %w", err))
	}
	return model.toDomain(), nil
}

// ClaimNextPending moves the oldest pending record to IN_PROGRESS in a single
// statement. SQLite serializes writers, so two callers cannot claim the same row.
func (r *recordRepository) ClaimNextPending(ctx context.Context, now time.Time) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE registration_records
		 SET status = ?, error_message = NULL, timestamp = ?, attempts = attempts + 1, version = version + 1
		 WHERE id = (
			SELECT id FROM registration_records WHERE status = ? ORDER BY id ASC LIMIT 1
		 ) AND status = ?
		 RETURNING `+recordColumns,
		domain.StatusInProgress.String(), now.UnixMilli(),
		domain.StatusPending.String(), domain.StatusPending.String(),
	)
	model, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim", fmt.Errorf("failed to claim pending record: %w", err))
	}
	return model.toDomain(), nil
}

// CountByStatus returns the number of records in a status.
func (r *recordRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registration_records WHERE status = ?`, status.String()).Scan(&count)
	if err != nil {
		return 0, unavailable("count_by_status", fmt.Errorf("failed to count records: %w", err))
	}
	return count, nil
}

// Count returns the total number of records.
func (r *recordRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registration_records`).Scan(&count); err != nil {
		return 0, unavailable("count", fmt.Errorf("failed to count records: %w", err))
	}
	return count, nil
}

// Close is a no-op; the connection belongs to DB.
func (r *recordRepository) Close() error {
	return nil
}
