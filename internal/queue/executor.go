package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// Stepper performs one carrier step for a record. Implementations classify
// failures with *domain.RetryableError, *domain.TerminalError or
// *domain.AlreadyRegisteredError; any other error is treated as terminal.
// The record passed in is a copy.
type Stepper interface {
	Run(ctx context.Context, step domain.Step, rec *domain.Record) error
}

// StepperFunc adapts a function to Stepper.
type StepperFunc func(ctx context.Context, step domain.Step, rec *domain.Record) error

// Run calls f.
func (f StepperFunc) Run(ctx context.Context, step domain.Step, rec *domain.Record) error {
	return f(ctx, step, rec)
}

// ExecutorConfig is the retry policy applied to each step.
type ExecutorConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StepTimeout    time.Duration
}

// ExecutorConfigFrom extracts the step policy from the queue config.
func ExecutorConfigFrom(q config.QueueConfig) ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:    q.MaxAttempts,
		InitialBackoff: q.InitialBackoff,
		MaxBackoff:     q.MaxBackoff,
		StepTimeout:    q.StepTimeout,
	}
}

// Outcome is how an Execute call left the record.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
	OutcomeAlreadyRegistered Outcome = "already_registered"
	// OutcomeAbandoned leaves the record IN_PROGRESS for reclaim: the context
	// was cancelled or a progress write failed.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeSuperseded means the record stopped being this claim while it
	// was worked on: cancelled, deleted, or reclaimed and claimed again.
	OutcomeSuperseded Outcome = "superseded"
)

// Result is the record as last seen by the executor and the outcome.
type Result struct {
	Record  *domain.Record
	Outcome Outcome
}

// Executor drives a claimed record through the remaining carrier steps.
// Step failures never escape it: they become FAILED or ALREADY_REGISTERED
// records. Only store failures are returned.
type Executor struct {
	tracker *Tracker
	stepper Stepper
	cfg     ExecutorConfig
	opts    options
}

// NewExecutor creates an executor that persists progress through repo.
func NewExecutor(repo domain.RecordRepository, stepper Stepper, cfg ExecutorConfig, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		tracker: NewTracker(repo),
		stepper: stepper,
		cfg:     cfg,
		opts:    buildOptions(opts),
	}
}

// Execute runs every step whose flag is not yet set, in order. rec must be
// IN_PROGRESS, as returned by Selector.NextEligible. Every write is fenced to
// rec's claim: once the record is reclaimed and claimed again, or changed by
// an operator, this call stops with OutcomeSuperseded and writes nothing.
func (e *Executor) Execute(ctx context.Context, rec *domain.Record) (Result, error) {
	ctx, span := e.opts.tracer.Start(ctx, tracing.SpanProcess, trace.WithAttributes(
		attribute.Int64(tracing.AttrRecordID, rec.ID()),
		attribute.Int("record.attempts", rec.Attempts()),
	))
	defer span.End()

	claim := rec.Attempts()
	current := rec
	for _, step := range domain.OrderedSteps() {
		if current.Steps().Has(step) {
			span.AddEvent(tracing.EventStepSkipped, trace.WithAttributes(attribute.String(tracing.AttrStep, step.String())))
			log.Debug(log.CatStep, "Skipping completed step", "id", current.ID(), "step", step)
			continue
		}

		attempts, err := e.runStep(ctx, current, step)
		if ctx.Err() != nil {
			log.Info(log.CatStep, "Abandoned record on shutdown", "id", current.ID(), "step", step)
			return Result{Record: current, Outcome: OutcomeAbandoned}, nil
		}
		if err != nil {
			res, werr := e.finishFailed(ctx, current, claim, step, attempts, err)
			if werr != nil {
				tracing.Fail(span, werr)
			}
			span.SetAttributes(attribute.String(tracing.AttrRecordStatus, res.Record.Status().String()))
			return res, werr
		}

		updated, err := e.tracker.MarkHeld(ctx, current.ID(), claim, step)
		if err != nil {
			res, werr := e.writeFailed(ctx, current, err)
			if werr != nil {
				tracing.Fail(span, werr)
			}
			return res, werr
		}
		current = updated
	}

	if current.Status() != domain.StatusCompleted {
		// Every flag was already set when claimed: a crash landed between the
		// last flag and the status write. Finish it.
		log.Info(log.CatStep, "Completing record with every step done", "id", current.ID())
		updated, err := e.tracker.TransitionHeld(ctx, current.ID(), claim, (*domain.Record).Complete)
		if err != nil {
			res, werr := e.writeFailed(ctx, current, err)
			if werr != nil {
				tracing.Fail(span, werr)
			}
			return res, werr
		}
		current = updated
	}

	span.AddEvent(tracing.EventCompleted)
	span.SetAttributes(attribute.String(tracing.AttrRecordStatus, current.Status().String()))
	e.opts.metrics.IncFinished(string(domain.StatusCompleted))
	log.Info(log.CatStep, "Registration completed", "id", current.ID(), "phone", current.PhoneNumber())
	return Result{Record: current, Outcome: OutcomeCompleted}, nil
}

// runStep invokes the stepper, retrying retryable failures with exponential
// backoff. It returns the number of attempts made.
func (e *Executor) runStep(ctx context.Context, rec *domain.Record, step domain.Step) (int, error) {
	ctx, span := e.opts.tracer.Start(ctx, tracing.SpanStep, trace.WithAttributes(
		attribute.Int64(tracing.AttrRecordID, rec.ID()),
		attribute.String(tracing.AttrStep, step.String()),
	))
	defer span.End()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.cfg.InitialBackoff
	if e.cfg.MaxBackoff > 0 {
		exp.MaxInterval = e.cfg.MaxBackoff
	}
	b := &hintedBackOff{base: exp}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := e.invoke(ctx, rec, step)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var retryable *domain.RetryableError
		if errors.As(err, &retryable) {
			b.hint = retryable.RetryAfter
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			span.AddEvent(tracing.EventStepRetry, trace.WithAttributes(attribute.Int(tracing.AttrStepAttempt, attempt)))
			log.Warn(log.CatStep, "Step failed, retrying", "id", rec.ID(), "step", step, "attempt", attempt, "wait", wait, "error", err)
		}),
	)

	span.SetAttributes(attribute.Int(tracing.AttrStepAttempt, attempt))
	if err != nil {
		tracing.Fail(span, err)
	}
	return attempt, err
}

// invoke runs one attempt of step under the step timeout.
func (e *Executor) invoke(ctx context.Context, rec *domain.Record, step domain.Step) error {
	stepCtx := ctx
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	err := e.stepper.Run(stepCtx, step, rec.Clone())

	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !classified(err) {
		err = &domain.RetryableError{Step: step, Err: fmt.Errorf("timed out after %s: %w", e.cfg.StepTimeout, err)}
	}

	e.opts.metrics.ObserveStep(step.String(), stepOutcome(ctx, err), time.Since(start))
	return err
}

// finishFailed moves the record to its failure status after a step gave up.
func (e *Executor) finishFailed(ctx context.Context, rec *domain.Record, claim int, step domain.Step, attempts int, stepErr error) (Result, error) {
	var already *domain.AlreadyRegisteredError
	if errors.As(stepErr, &already) {
		updated, err := e.tracker.TransitionHeld(ctx, rec.ID(), claim, (*domain.Record).MarkAlreadyRegistered)
		if err != nil {
			return e.writeFailed(ctx, rec, err)
		}
		e.opts.metrics.IncFinished(string(domain.StatusAlreadyRegistered))
		log.Info(log.CatStep, "Line already registered", "id", rec.ID(), "step", step, "detail", already.Detail)
		return Result{Record: updated, Outcome: OutcomeAlreadyRegistered}, nil
	}

	msg := failureMessage(step, stepErr, attempts)
	updated, err := e.tracker.TransitionHeld(ctx, rec.ID(), claim, func(r *domain.Record) error {
		return r.Fail(msg)
	})
	if err != nil {
		return e.writeFailed(ctx, rec, err)
	}
	e.opts.metrics.IncFinished(string(domain.StatusFailed))
	log.Warn(log.CatStep, "Registration failed", "id", rec.ID(), "step", step, "message", msg)
	return Result{Record: updated, Outcome: OutcomeFailed}, nil
}

// writeFailed decides what a failed progress write means for the record.
func (e *Executor) writeFailed(ctx context.Context, rec *domain.Record, err error) (Result, error) {
	var (
		invalid  *domain.InvalidTransitionError
		notFound *domain.RecordNotFoundError
		stale    *domain.StaleClaimError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &notFound), errors.As(err, &stale):
		log.Info(log.CatStep, "Record changed while in progress, dropping it", "id", rec.ID(), "reason", err)
		return Result{Record: rec, Outcome: OutcomeSuperseded}, nil
	case ctx.Err() != nil:
		return Result{Record: rec, Outcome: OutcomeAbandoned}, nil
	default:
		return Result{Record: rec, Outcome: OutcomeAbandoned}, fmt.Errorf("persist progress of record %d: %w", rec.ID(), err)
	}
}

func classified(err error) bool {
	var (
		retryable *domain.RetryableError
		terminal  *domain.TerminalError
		already   *domain.AlreadyRegisteredError
	)
	return errors.As(err, &retryable) || errors.As(err, &terminal) || errors.As(err, &already)
}

func stepOutcome(ctx context.Context, err error) string {
	var (
		retryable *domain.RetryableError
		already   *domain.AlreadyRegisteredError
	)
	switch {
	case err == nil:
		return "success"
	case ctx.Err() != nil:
		return string(OutcomeAbandoned)
	case errors.As(err, &retryable):
		return "retry"
	case errors.As(err, &already):
		return "already_registered"
	default:
		return "terminal"
	}
}

// failureMessage is the text stored on a FAILED record.
func failureMessage(step domain.Step, err error, attempts int) string {
	var (
		terminal  *domain.TerminalError
		retryable *domain.RetryableError
	)
	switch {
	case errors.As(err, &terminal) && terminal.Message != "":
		return terminal.Message
	case errors.As(err, &retryable):
		return fmt.Sprintf("%s failed after %d attempts: %v", step, attempts, retryable.Err)
	default:
		return err.Error()
	}
}

// hintedBackOff prefers a carrier-supplied RetryAfter over the exponential schedule.
type hintedBackOff struct {
	base backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		return d
	}
	return b.base.NextBackOff()
}

func (b *hintedBackOff) Reset() {
	b.hint = 0
	b.base.Reset()
}
