package sqlite

import (
	"time"

	"github.com/simreg/regq/internal/registrations/domain"
)

// RecordModel represents the database row for the registration_records table.
// Timestamps are stored as Unix milliseconds.
type RecordModel struct {
	ID           int64
	PhoneNumber  string
	PukLastFour  string
	FullName     string
	Cne          string
	Status       string
	ErrorMessage *string // nullable, set only for FAILED
	Timestamp    int64

	// Sub-step flags
	UssdExecuted bool
	NameFilled   bool
	CneFilled    bool
	Completed    bool

	Attempts int
	Version  int64
}

// toRecordModel converts a domain Record to a database RecordModel.
func toRecordModel(r *domain.Record) *RecordModel {
	m := &RecordModel{
		ID:           r.ID(),
		PhoneNumber:  r.PhoneNumber(),
		PukLastFour:  r.PukLastFour(),
		FullName:     r.FullName(),
		Cne:          r.Cne(),
		Status:       r.Status().String(),
		Timestamp:    r.Timestamp().UnixMilli(),
		UssdExecuted: r.UssdExecuted(),
		NameFilled:   r.NameFilled(),
		CneFilled:    r.CneFilled(),
		Completed:    r.Completed(),
		Attempts:     r.Attempts(),
		Version:      r.Version(),
	}
	if msg, ok := r.ErrorMessage(); ok {
		m.ErrorMessage = &msg
	}
	return m
}

// toDomain converts a database RecordModel to a domain Record.
// Rows written by older versions may carry intermediate status spellings or
// stray messages; they are normalized so the returned record validates.
func (m *RecordModel) toDomain() *domain.Record {
	status := domain.ParseStatus(m.Status)

	errorMessage := m.ErrorMessage
	switch {
	case status.IsFailure() && errorMessage == nil:
		msg := domain.DefaultFailureMessage
		errorMessage = &msg
	case !status.IsFailure():
		errorMessage = nil
	}

	return domain.ReconstituteRecord(
		m.ID,
		m.PhoneNumber,
		m.PukLastFour,
		m.FullName,
		m.Cne,
		status,
		errorMessage,
		time.UnixMilli(m.Timestamp),
		domain.NewStepSet(m.UssdExecuted, m.NameFilled, m.CneFilled),
		m.Attempts,
		m.Version,
	)
}
