// Package domain provides the pure domain layer for registration records with no
// infrastructure dependencies.
//
// The package follows the same layering as the rest of regq:
//   - Contains only pure Go code with standard library imports
//   - Defines the Record entity with encapsulated state and the status state machine
//   - Defines the RecordRepository interface for persistence abstraction
//   - Provides domain-specific error types
//
// The domain layer has no knowledge of databases, carriers, or transports.
package domain

import "strings"

// Status represents the lifecycle stage of a registration record.
// The string values are the persisted encoding and must not change.
type Status string

const (
	// StatusPending indicates the record is queued and waiting for a worker.
	StatusPending Status = "PENDING"

	// StatusInProgress indicates a worker holds the record and is running its steps.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted indicates every sub-step finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusAlreadyRegistered indicates the carrier reported the line as already registered.
	StatusAlreadyRegistered Status = "ALREADY_REGISTERED"

	// StatusFailed indicates a step failed terminally. The record carries an error message.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates an operator abandoned the record.
	StatusCancelled Status = "CANCELLED"
)

// legacyInProgress lists intermediate spellings older databases may contain.
// Progress within an attempt is carried by the sub-step flags instead.
var legacyInProgress = map[string]struct{}{
	"USSD_SENT":   {},
	"NAME_FILLED": {},
	"CNE_FILLED":  {},
}

// AllStatuses returns every canonical status in display order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusInProgress,
		StatusCompleted,
		StatusAlreadyRegistered,
		StatusFailed,
		StatusCancelled,
	}
}

// String returns the persisted representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the canonical values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusAlreadyRegistered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses no transition leads out of.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAlreadyRegistered
}

// IsFailure returns true for the status that carries an error message.
func (s Status) IsFailure() bool {
	return s == StatusFailed
}

// ParseStatus decodes a persisted status. Legacy intermediate spellings map to
// StatusInProgress and unknown values fall back to StatusPending.
func ParseStatus(value string) Status {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	if s.IsValid() {
		return s
	}
	if _, ok := legacyInProgress[string(s)]; ok {
		return StatusInProgress
	}
	return StatusPending
}

// transitions is the state machine table. A status missing from the map has
// no outgoing transitions.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusAlreadyRegistered, StatusCancelled, StatusPending},
	StatusFailed:     {StatusPending},
	StatusCancelled:  {StatusPending},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
