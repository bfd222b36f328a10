package testutil

import (
	"fmt"
	"time"

	"github.com/simreg/regq/internal/registrations/domain"
)

// recordData holds everything needed to reconstitute a record.
type recordData struct {
	id           int64
	phoneNumber  string
	pukLastFour  string
	fullName     string
	cne          string
	status       domain.Status
	errorMessage *string
	timestamp    time.Time
	steps        domain.StepSet
	attempts     int
	version      int64
}

// defaultRecord returns a valid PENDING record whose phone number is derived
// from the id.
func defaultRecord(id int64) recordData {
	return recordData{
		id:          id,
		phoneNumber: fmt.Sprintf("06%08d", id),
		pukLastFour: "1234",
		fullName:    "Amina Benali",
		cne:         "AB123456",
		status:      domain.StatusPending,
		timestamp:   time.Now(),
		version:     1,
	}
}

func (d recordData) toDomain() *domain.Record {
	return domain.ReconstituteRecord(d.id, d.phoneNumber, d.pukLastFour, d.fullName, d.cne,
		d.status, d.errorMessage, d.timestamp, d.steps, d.attempts, d.version)
}

// RecordOption configures a record during builder setup.
type RecordOption func(*recordData)

// Phone sets the phone number.
func Phone(phone string) RecordOption {
	return func(d *recordData) { d.phoneNumber = phone }
}

// Puk sets the last four PUK digits.
func Puk(puk string) RecordOption {
	return func(d *recordData) { d.pukLastFour = puk }
}

// Name sets the subscriber name.
func Name(name string) RecordOption {
	return func(d *recordData) { d.fullName = name }
}

// Cne sets the identity number.
func Cne(cne string) RecordOption {
	return func(d *recordData) { d.cne = cne }
}

// Status sets the status. FAILED gets the default failure message unless
// Error is also given, and COMPLETED marks every step done.
func Status(status domain.Status) RecordOption {
	return func(d *recordData) {
		d.status = status
		if status.IsFailure() && d.errorMessage == nil {
			msg := domain.DefaultFailureMessage
			d.errorMessage = &msg
		}
		if status == domain.StatusCompleted {
			d.steps = domain.NewStepSet(true, true, true)
		}
		if status != domain.StatusPending && d.attempts == 0 {
			d.attempts = 1
		}
	}
}

// Error sets the failure message.
func Error(msg string) RecordOption {
	return func(d *recordData) { d.errorMessage = &msg }
}

// At sets the last-change timestamp.
func At(ts time.Time) RecordOption {
	return func(d *recordData) { d.timestamp = ts }
}

// Since sets the timestamp to d before now.
func Since(d time.Duration) RecordOption {
	return At(time.Now().Add(-d))
}

// Steps sets the completed sub-steps.
func Steps(ussdExecuted, nameFilled, cneFilled bool) RecordOption {
	return func(d *recordData) { d.steps = domain.NewStepSet(ussdExecuted, nameFilled, cneFilled) }
}

// Attempts sets the claim count.
func Attempts(n int) RecordOption {
	return func(d *recordData) { d.attempts = n }
}

// Version sets the optimistic-lock version.
func Version(v int64) RecordOption {
	return func(d *recordData) { d.version = v }
}
