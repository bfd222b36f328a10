package domain

import "fmt"

// Step identifies one sub-step of the registration procedure.
type Step uint8

const (
	// StepCarrierSession runs the carrier session for the line.
	StepCarrierSession Step = 1 << iota
	// StepFillName submits the subscriber name.
	StepFillName
	// StepFillCne submits the national identifier.
	StepFillCne
)

// orderedSteps is the execution order.
var orderedSteps = []Step{StepCarrierSession, StepFillName, StepFillCne}

// OrderedSteps returns the sub-steps in execution order.
func OrderedSteps() []Step {
	out := make([]Step, len(orderedSteps))
	copy(out, orderedSteps)
	return out
}

// String returns the step name used in logs, traces and metrics.
func (s Step) String() string {
	switch s {
	case StepCarrierSession:
		return "carrier_session"
	case StepFillName:
		return "fill_name"
	case StepFillCne:
		return "fill_cne"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// IsValid returns true for the three known steps.
func (s Step) IsValid() bool {
	return s == StepCarrierSession || s == StepFillName || s == StepFillCne
}

// StepSet records which sub-steps have completed. It only grows.
type StepSet uint8

const allSteps = StepSet(StepCarrierSession | StepFillName | StepFillCne)

// NewStepSet builds a set from the three persisted flags.
func NewStepSet(ussdExecuted, nameFilled, cneFilled bool) StepSet {
	var set StepSet
	if ussdExecuted {
		set = set.With(StepCarrierSession)
	}
	if nameFilled {
		set = set.With(StepFillName)
	}
	if cneFilled {
		set = set.With(StepFillCne)
	}
	return set
}

// Has reports whether the step is done.
func (s StepSet) Has(step Step) bool {
	return s&StepSet(step) != 0
}

// With returns a copy of the set with the step added.
func (s StepSet) With(step Step) StepSet {
	return s | StepSet(step)
}

// All reports whether every step is done.
func (s StepSet) All() bool {
	return s&allSteps == allSteps
}

// Next returns the first step in execution order that is not done yet.
func (s StepSet) Next() (Step, bool) {
	for _, step := range orderedSteps {
		if !s.Has(step) {
			return step, true
		}
	}
	return 0, false
}

// Missing returns the steps still to run, in execution order.
func (s StepSet) Missing() []Step {
	var missing []Step
	for _, step := range orderedSteps {
		if !s.Has(step) {
			missing = append(missing, step)
		}
	}
	return missing
}

// Contains reports whether every step in other is also in s.
func (s StepSet) Contains(other StepSet) bool {
	return s&other == other
}
