package presentation

import (
	"time"

	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
)

// MaskedPuk replaces the PUK digits wherever a record leaves the process.
const MaskedPuk = "****"

// RecordDTO represents a registration record for presentation. The PUK is
// never carried in clear.
type RecordDTO struct {
	ID           int64     `json:"id"`
	PhoneNumber  string    `json:"phone_number"`
	PukLastFour  string    `json:"puk_last_four"`
	FullName     string    `json:"full_name"`
	Cne          string    `json:"cne"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	UssdExecuted bool      `json:"ussd_executed"`
	NameFilled   bool      `json:"name_filled"`
	CneFilled    bool      `json:"cne_filled"`
	Completed    bool      `json:"completed"`
	Attempts     int       `json:"attempts"`
	Version      int64     `json:"version"`
}

// StatsDTO represents queue counts for presentation
type StatsDTO struct {
	Total     int            `json:"total"`
	Remaining int            `json:"remaining"`
	Passed    int            `json:"passed"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	ByStatus  map[string]int `json:"by_status"`
}

// FromDomainRecord converts a domain record to a DTO
func FromDomainRecord(rec *domain.Record) RecordDTO {
	dto := RecordDTO{
		ID:           rec.ID(),
		PhoneNumber:  rec.PhoneNumber(),
		PukLastFour:  MaskedPuk,
		FullName:     rec.FullName(),
		Cne:          rec.Cne(),
		Status:       string(rec.Status()),
		Timestamp:    rec.Timestamp(),
		UssdExecuted: rec.UssdExecuted(),
		NameFilled:   rec.NameFilled(),
		CneFilled:    rec.CneFilled(),
		Completed:    rec.Completed(),
		Attempts:     rec.Attempts(),
		Version:      rec.Version(),
	}
	if msg, ok := rec.ErrorMessage(); ok {
		dto.ErrorMessage = &msg
	}
	return dto
}

// FromDomainRecords converts multiple records to DTOs
func FromDomainRecords(records []*domain.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = FromDomainRecord(rec)
	}
	return dtos
}

// FromStats converts queue stats to a DTO
func FromStats(s queue.Stats) StatsDTO {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	return StatsDTO{
		Total:     s.Total,
		Remaining: s.Remaining(),
		Passed:    s.Passed(),
		Failed:    s.Failed(),
		Skipped:   s.Skipped(),
		ByStatus:  byStatus,
	}
}
