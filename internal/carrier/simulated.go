package carrier

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

// ErrSimulatedFailure is the cause carried by injected failures.
var ErrSimulatedFailure = errors.New("simulated carrier failure")

// SimulatedStepper pretends to talk to a carrier. Each step waits Delay and
// then succeeds, except for a FailureRate share of calls that fail retryably.
type SimulatedStepper struct {
	Delay       time.Duration
	FailureRate float64

	// Rand returns a number in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewSimulatedStepper creates a simulated carrier.
func NewSimulatedStepper(delay time.Duration, failureRate float64) *SimulatedStepper {
	return &SimulatedStepper{Delay: delay, FailureRate: failureRate, Rand: rand.Float64}
}

// Run waits for the configured delay or until ctx is done.
func (s *SimulatedStepper) Run(ctx context.Context, step domain.Step, rec *domain.Record) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	roll := s.Rand
	if roll == nil {
		roll = rand.Float64
	}
	if s.FailureRate > 0 && roll() < s.FailureRate {
		log.Debug(log.CatStep, "Injected failure", "id", rec.ID(), "step", step)
		return domain.Retryable(step, ErrSimulatedFailure)
	}

	log.Debug(log.CatStep, "Simulated step done", "id", rec.ID(), "step", step,
		"ussd", BuildUSSDCode("", rec.PhoneNumber(), rec.PukLastFour()))
	return nil
}
