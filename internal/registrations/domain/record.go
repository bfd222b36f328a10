package domain

import (
	"errors"
	"fmt"
	"time"
)

// DefaultFailureMessage is stored when a step fails without a usable message.
const DefaultFailureMessage = "registration failed"

// Record is a registration job for one phone line.
// All fields are unexported to enforce the state machine; use the constructor,
// the transition methods, and the getters.
type Record struct {
	id           int64
	phoneNumber  string
	pukLastFour  string
	fullName     string
	cne          string
	status       Status
	errorMessage *string
	timestamp    time.Time
	steps        StepSet
	attempts     int

	// version guards updates against concurrent writers.
	version int64
}

// NewRecord creates a pending record with no completed steps.
// The ID is left as zero; it is assigned by the persistence layer.
func NewRecord(phoneNumber, pukLastFour, fullName, cne string) *Record {
	return &Record{
		phoneNumber: phoneNumber,
		pukLastFour: pukLastFour,
		fullName:    fullName,
		cne:         cne,
		status:      StatusPending,
		timestamp:   time.Now(),
	}
}

// ReconstituteRecord rebuilds a Record from persisted data.
func ReconstituteRecord(
	id int64,
	phoneNumber, pukLastFour, fullName, cne string,
	status Status,
	errorMessage *string,
	timestamp time.Time,
	steps StepSet,
	attempts int,
	version int64,
) *Record {
	return &Record{
		id:           id,
		phoneNumber:  phoneNumber,
		pukLastFour:  pukLastFour,
		fullName:     fullName,
		cne:          cne,
		status:       status,
		errorMessage: errorMessage,
		timestamp:    timestamp,
		steps:        steps,
		attempts:     attempts,
		version:      version,
	}
}

// ID returns the store-assigned identifier, or 0 before the first insert.
func (r *Record) ID() int64 { return r.id }

// PhoneNumber returns the line being registered.
func (r *Record) PhoneNumber() string { return r.phoneNumber }

// PukLastFour returns the last four PUK digits used to authorize the carrier session.
func (r *Record) PukLastFour() string { return r.pukLastFour }

// FullName returns the subscriber name.
func (r *Record) FullName() string { return r.fullName }

// Cne returns the subscriber national identifier.
func (r *Record) Cne() string { return r.cne }

// Status returns the current lifecycle status.
func (r *Record) Status() Status { return r.status }

// ErrorMessage returns the failure message. It is present only while the record is failed.
func (r *Record) ErrorMessage() (string, bool) {
	if r.errorMessage == nil {
		return "", false
	}
	return *r.errorMessage, true
}

// Timestamp returns the time of the last mutation.
func (r *Record) Timestamp() time.Time { return r.timestamp }

// Steps returns the set of completed sub-steps.
func (r *Record) Steps() StepSet { return r.steps }

// UssdExecuted reports whether the carrier session step completed.
func (r *Record) UssdExecuted() bool { return r.steps.Has(StepCarrierSession) }

// NameFilled reports whether the name step completed.
func (r *Record) NameFilled() bool { return r.steps.Has(StepFillName) }

// CneFilled reports whether the CNE step completed.
func (r *Record) CneFilled() bool { return r.steps.Has(StepFillCne) }

// Completed is derived: every step done and the record marked completed.
func (r *Record) Completed() bool {
	return r.steps.All() && r.status == StatusCompleted
}

// Attempts returns how many times the record has been dispatched to a worker.
func (r *Record) Attempts() int { return r.attempts }

// Version returns the optimistic concurrency version.
func (r *Record) Version() int64 { return r.version }

// SetID sets the store-assigned identifier. Called by the persistence layer after insert.
func (r *Record) SetID(id int64) { r.id = id }

// SetVersion records the version written by the persistence layer.
func (r *Record) SetVersion(version int64) { r.version = version }

// Clone returns an independent copy, used for event snapshots and cache entries.
func (r *Record) Clone() *Record {
	c := *r
	if r.errorMessage != nil {
		msg := *r.errorMessage
		c.errorMessage = &msg
	}
	return &c
}

func (r *Record) transitionTo(to Status) error {
	if !CanTransition(r.status, to) {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: to}
	}
	r.status = to
	r.timestamp = time.Now()
	if to != StatusFailed {
		r.errorMessage = nil
	}
	return nil
}

// Start hands the record to a worker: PENDING -> IN_PROGRESS.
func (r *Record) Start() error {
	if r.status != StatusPending {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: StatusInProgress}
	}
	if err := r.transitionTo(StatusInProgress); err != nil {
		return err
	}
	r.attempts++
	return nil
}

// MarkStep records a completed sub-step. Marking a step that is already done is
// a no-op and reports changed == false. Setting the last missing flag also moves
// the record IN_PROGRESS -> COMPLETED.
func (r *Record) MarkStep(step Step) (changed bool, err error) {
	if !step.IsValid() {
		return false, fmt.Errorf("unknown step %d", uint8(step))
	}
	if r.steps.Has(step) {
		return false, nil
	}
	if r.status != StatusInProgress {
		return false, &InvalidTransitionError{RecordID: r.id, From: r.status, To: r.status}
	}
	next := r.steps.With(step)
	if next.All() {
		if err := r.transitionTo(StatusCompleted); err != nil {
			return false, err
		}
	}
	r.steps = next
	r.timestamp = time.Now()
	return true, nil
}

// Fail records a terminal step failure: IN_PROGRESS -> FAILED.
func (r *Record) Fail(message string) error {
	if message == "" {
		message = DefaultFailureMessage
	}
	if err := r.transitionTo(StatusFailed); err != nil {
		return err
	}
	r.errorMessage = &message
	return nil
}

// MarkAlreadyRegistered records the carrier's already-registered answer.
func (r *Record) MarkAlreadyRegistered() error {
	if r.status != StatusInProgress {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: StatusAlreadyRegistered}
	}
	return r.transitionTo(StatusAlreadyRegistered)
}

// Complete finishes an IN_PROGRESS record whose steps are all done. MarkStep
// normally does this; Complete covers records stored with every flag set but
// no completion, as left by a crash between the last flag and the status.
func (r *Record) Complete() error {
	if r.status != StatusInProgress || !r.steps.All() {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: StatusCompleted}
	}
	return r.transitionTo(StatusCompleted)
}

// HeldBy reports whether the record is still the IN_PROGRESS claim numbered
// attempt. Each claim increments the attempt count, so a record reclaimed and
// claimed again no longer matches its earlier claim.
func (r *Record) HeldBy(attempt int) bool {
	return r.status == StatusInProgress && r.attempts == attempt
}

// Retry puts a failed or cancelled record back in the queue. Completed steps are kept.
func (r *Record) Retry() error {
	if r.status != StatusFailed && r.status != StatusCancelled {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: StatusPending}
	}
	return r.transitionTo(StatusPending)
}

// Cancel abandons a queued or running record.
func (r *Record) Cancel() error {
	return r.transitionTo(StatusCancelled)
}

// Requeue forces an abandoned IN_PROGRESS record back to PENDING.
// Only the stale-reclaim sweep uses it.
func (r *Record) Requeue() error {
	if r.status != StatusInProgress {
		return &InvalidTransitionError{RecordID: r.id, From: r.status, To: StatusPending}
	}
	return r.transitionTo(StatusPending)
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	var errs []error
	if !r.status.IsValid() {
		errs = append(errs, fmt.Errorf("unknown status %q", r.status))
	}
	if r.status == StatusCompleted && !r.steps.All() {
		errs = append(errs, fmt.Errorf("status %s with missing steps %v", r.status, r.steps.Missing()))
	}
	if r.status.IsFailure() && r.errorMessage == nil {
		errs = append(errs, errors.New("failed record without error message"))
	}
	if !r.status.IsFailure() && r.errorMessage != nil {
		errs = append(errs, fmt.Errorf("status %s with error message", r.status))
	}
	return errors.Join(errs...)
}
