// Package testutil builds registration records in arbitrary states for tests.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/registrations/domain"
)

// Putter stores records verbatim, ids and versions included.
// memory.RecordRepository satisfies it.
type Putter interface {
	Put(record *domain.Record)
}

// Record builds a single record. Without options it is a valid PENDING
// record with phone number 06 followed by the zero-padded id.
func Record(id int64, opts ...RecordOption) *domain.Record {
	d := defaultRecord(id)
	for _, opt := range opts {
		opt(&d)
	}
	return d.toDomain()
}

// Builder accumulates records and stores them in one go.
type Builder struct {
	t       *testing.T
	records []recordData
}

// NewBuilder creates an empty builder.
func NewBuilder(t *testing.T) *Builder {
	t.Helper()
	return &Builder{t: t}
}

// WithRecord adds a record with optional configuration.
func (b *Builder) WithRecord(id int64, opts ...RecordOption) *Builder {
	d := defaultRecord(id)
	for _, opt := range opts {
		opt(&d)
	}
	b.records = append(b.records, d)
	return b
}

// Records returns the accumulated records as domain values.
func (b *Builder) Records() []*domain.Record {
	out := make([]*domain.Record, len(b.records))
	for i, d := range b.records {
		out[i] = d.toDomain()
	}
	return out
}

// Into stores every record in p.
func (b *Builder) Into(p Putter) []*domain.Record {
	b.t.Helper()
	records := b.Records()
	for _, r := range records {
		p.Put(r)
	}
	return records
}

// IntoDB inserts every record as a row of registration_records, keeping ids.
// The table must already exist.
func (b *Builder) IntoDB(db *sql.DB) {
	b.t.Helper()
	for _, d := range b.records {
		_, err := db.Exec(
			`INSERT INTO registration_records (id, phone_number, puk_last_four, full_name, cne, status, error_message,
			 timestamp, ussd_executed, name_filled, cne_filled, completed, attempts, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.id, d.phoneNumber, d.pukLastFour, d.fullName, d.cne, string(d.status), d.errorMessage,
			d.timestamp.UnixMilli(),
			d.steps.Has(domain.StepCarrierSession), d.steps.Has(domain.StepFillName), d.steps.Has(domain.StepFillCne),
			d.steps.All(), d.attempts, d.version,
		)
		require.NoError(b.t, err)
	}
}
