package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simreg/regq/internal/registrations/domain"
)

const recordColumns = `id, phone_number, puk_last_four, full_name, cne, status, error_message,
	timestamp, ussd_executed, name_filled, cne_filled, completed, attempts, version`

type recordRow struct {
	ID           int64
	PhoneNumber  string
	PukLastFour  string
	FullName     string
	Cne          string
	Status       string
	ErrorMessage *string
	Timestamp    int64
	UssdExecuted bool
	NameFilled   bool
	CneFilled    bool
	Completed    bool
	Attempts     int
	Version      int64
}

func scanRecord(row pgx.Row) (*recordRow, error) {
	var r recordRow
	err := row.Scan(
		&r.ID, &r.PhoneNumber, &r.PukLastFour, &r.FullName, &r.Cne,
		&r.Status, &r.ErrorMessage, &r.Timestamp,
		&r.UssdExecuted, &r.NameFilled, &r.CneFilled, &r.Completed,
		&r.Attempts, &r.Version,
	)
	return &r, err
}

func (r *recordRow) toDomain() *domain.Record {
	status := domain.ParseStatus(r.Status)
	msg := r.ErrorMessage
	if !status.IsFailure() {
		msg = nil
	} else if msg == nil {
		def := domain.DefaultFailureMessage
		msg = &def
	}
	return domain.ReconstituteRecord(
		r.ID, r.PhoneNumber, r.PukLastFour, r.FullName, r.Cne,
		status, msg, time.UnixMilli(r.Timestamp),
		domain.NewStepSet(r.UssdExecuted, r.NameFilled, r.CneFilled),
		r.Attempts, r.Version,
	)
}

func errorMessage(rec *domain.Record) *string {
	if msg, ok := rec.ErrorMessage(); ok {
		return &msg
	}
	return nil
}

func unavailable(op string, err error) error {
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

type recordRepository struct {
	pool *pgxpool.Pool
}

func newRecordRepository(pool *pgxpool.Pool) *recordRepository {
	return &recordRepository{pool: pool}
}

var _ domain.RecordRepository = (*recordRepository)(nil)

const insertRecord = `INSERT INTO registration_records (
		phone_number, puk_last_four, full_name, cne, status, error_message, timestamp,
		ussd_executed, name_filled, cne_filled, completed, attempts, version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1) RETURNING id`

func insertArgs(rec *domain.Record) []any {
	return []any{
		rec.PhoneNumber(), rec.PukLastFour(), rec.FullName(), rec.Cne(),
		rec.Status().String(), errorMessage(rec), rec.Timestamp().UnixMilli(),
		rec.UssdExecuted(), rec.NameFilled(), rec.CneFilled(), rec.Completed(), rec.Attempts(),
	}
}

func (r *recordRepository) Insert(ctx context.Context, rec *domain.Record) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, insertRecord, insertArgs(rec)...).Scan(&id); err != nil {
		return 0, unavailable("insert", fmt.Errorf("insert record: %w", err))
	}
	rec.SetID(id)
	rec.SetVersion(1)
	return id, nil
}

// InsertAll sends every insert in one batch inside a transaction.
func (r *recordRepository) InsertAll(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, len(records))
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(insertRecord, insertArgs(rec)...)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range records {
			if err := results.QueryRow().Scan(&ids[i]); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert record %d of batch: %w", i, err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return unavailable("insert_all", err)
	}
	for i, rec := range records {
		rec.SetID(ids[i])
		rec.SetVersion(1)
	}
	return nil
}

func (r *recordRepository) Update(ctx context.Context, rec *domain.Record) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE registration_records SET
			phone_number = $1, puk_last_four = $2, full_name = $3, cne = $4,
			status = $5, error_message = $6, timestamp = $7,
			ussd_executed = $8, name_filled = $9, cne_filled = $10, completed = $11,
			attempts = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		rec.PhoneNumber(), rec.PukLastFour(), rec.FullName(), rec.Cne(),
		rec.Status().String(), errorMessage(rec), rec.Timestamp().UnixMilli(),
		rec.UssdExecuted(), rec.NameFilled(), rec.CneFilled(), rec.Completed(),
		rec.Attempts(), rec.ID(), rec.Version(),
	)
	if err != nil {
		return unavailable("update", fmt.Errorf("update record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM registration_records WHERE id = $1)`, rec.ID()).Scan(&exists)
		if err != nil {
			return unavailable("update", fmt.Errorf("check record existence: %w", err))
		}
		if !exists {
			return &domain.RecordNotFoundError{ID: rec.ID()}
		}
		return &domain.ConflictError{RecordID: rec.ID(), Version: rec.Version()}
	}
	rec.SetVersion(rec.Version() + 1)
	return nil
}

func (r *recordRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM registration_records WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete", fmt.Errorf("delete record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &domain.RecordNotFoundError{ID: id}
	}
	return nil
}

func (r *recordRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM registration_records`); err != nil {
		return unavailable("delete_all", fmt.Errorf("delete records: %w", err))
	}
	return nil
}

func (r *recordRepository) findOne(ctx context.Context, op string, notFound error, query string, args ...any) (*domain.Record, error) {
	row, err := scanRecord(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if notFound == nil {
			return nil, nil
		}
		return nil, notFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return row.toDomain(), nil
}

func (r *recordRepository) FindByID(ctx context.Context, id int64) (*domain.Record, error) {
	return r.findOne(ctx, "find_by_id", &domain.RecordNotFoundError{ID: id},
		`SELECT `+recordColumns+` FROM registration_records WHERE id = $1`, id)
}

func (r *recordRepository) FindByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.Record, error) {
	return r.findOne(ctx, "find_by_phone", &domain.RecordNotFoundError{PhoneNumber: phoneNumber},
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE phone_number = $1 ORDER BY id DESC LIMIT 1`, phoneNumber)
}

func (r *recordRepository) list(ctx context.Context, op, query string, args ...any) ([]*domain.Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		row, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, row.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (r *recordRepository) ListAll(ctx context.Context) ([]*domain.Record, error) {
	return r.list(ctx, "list_all",
		`SELECT `+recordColumns+` FROM registration_records ORDER BY timestamp DESC, id DESC`)
}

func (r *recordRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Record, error) {
	return r.list(ctx, "list_by_status",
		`SELECT `+recordColumns+` FROM registration_records WHERE status = $1 ORDER BY id ASC`, status.String())
}

func (r *recordRepository) ListStale(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Record, error) {
	return r.list(ctx, "list_stale",
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE status = $1 AND timestamp < $2 ORDER BY id ASC`, status.String(), before.UnixMilli())
}

func (r *recordRepository) FirstPending(ctx context.Context) (*domain.Record, error) {
	return r.findOne(ctx, "first_pending", nil,
		`SELECT `+recordColumns+` FROM registration_records
		 WHERE status = $1 ORDER BY id ASC LIMIT 1`, domain.StatusPending.String())
}

// ClaimNextPending locks the oldest unlocked pending row with FOR UPDATE SKIP
// LOCKED, so concurrent workers on other hosts each get a different record.
func (r *recordRepository) ClaimNextPending(ctx context.Context, now time.Time) (*domain.Record, error) {
	return r.findOne(ctx, "claim", nil,
		`UPDATE registration_records
		 SET status = $1, error_message = NULL, timestamp = $2, attempts = attempts + 1, version = version + 1
		 WHERE id = (
			SELECT id FROM registration_records
			WHERE status = $3
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+recordColumns,
		domain.StatusInProgress.String(), now.UnixMilli(), domain.StatusPending.String())
}

func (r *recordRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM registration_records WHERE status = $1`, status.String()).Scan(&n); err != nil {
		return 0, unavailable("count_by_status", err)
	}
	return n, nil
}

func (r *recordRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM registration_records`).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to DB.
func (r *recordRepository) Close() error { return nil }
