package domain

import (
	"fmt"
	"time"
)

// InvalidTransitionError is returned when a status change is outside the state machine.
// The record is left unchanged.
type InvalidTransitionError struct {
	RecordID int64
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for record %d: %s -> %s", e.RecordID, e.From, e.To)
}

// RecordNotFoundError is returned when a lookup matches no record.
type RecordNotFoundError struct {
	ID          int64
	PhoneNumber string
}

func (e *RecordNotFoundError) Error() string {
	if e.PhoneNumber != "" {
		return fmt.Sprintf("registration record not found for phone %s", e.PhoneNumber)
	}
	return fmt.Sprintf("registration record not found: %d", e.ID)
}

// ConflictError is returned when an update raced with another writer.
// The caller should reload the record and reapply its change.
type ConflictError struct {
	RecordID int64
	Version  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registration record %d was modified concurrently (version %d)", e.RecordID, e.Version)
}

// StaleClaimError is returned when a write is made on behalf of a claim the
// record no longer belongs to: it was reclaimed, claimed again, cancelled or
// finished by someone else. The write is not applied.
type StaleClaimError struct {
	RecordID int64
	Claim    int
	Status   Status
	Attempts int
}

func (e *StaleClaimError) Error() string {
	return fmt.Sprintf("record %d no longer held by claim %d (now %s, claim %d)", e.RecordID, e.Claim, e.Status, e.Attempts)
}

// StoreUnavailableError wraps failures of the persistence collaborator.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// RetryableError marks a transient step failure. The executor retries the step
// in-process before escalating it to a terminal failure.
type RetryableError struct {
	Step       Step
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s failed (retryable): %v", e.Step, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// TerminalError marks a step failure that must not be retried.
// Message is what operators see on the failed record.
type TerminalError struct {
	Step    Step
	Message string
	Err     error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Step, e.Message)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// AlreadyRegisteredError is reported by a step when the carrier says the line
// is already registered. The record moves to StatusAlreadyRegistered.
type AlreadyRegisteredError struct {
	Step   Step
	Detail string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("%s: line already registered: %s", e.Step, e.Detail)
}

// Retryable wraps err as a transient failure of step.
func Retryable(step Step, err error) error {
	return &RetryableError{Step: step, Err: err}
}

// Terminal builds a terminal failure of step with the operator-facing message.
func Terminal(step Step, message string) error {
	return &TerminalError{Step: step, Message: message}
}
