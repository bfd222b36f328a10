package carrier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

const (
	// maxMessageLen caps the stderr tail copied onto a failed record.
	maxMessageLen = 200

	// waitDelay bounds how long a killed command's children may hold its pipes.
	waitDelay = 2 * time.Second
)

// ExecStepper runs one external command per step. Exit status 0 is success;
// other codes are classified by the carrier config.
type ExecStepper struct {
	commands          map[domain.Step][]string
	ussdTemplate      string
	retryable         map[int]bool
	alreadyRegistered int
}

// NewExecStepper validates the command table and builds the stepper.
func NewExecStepper(cfg config.CarrierConfig) (*ExecStepper, error) {
	s := &ExecStepper{
		commands:          make(map[domain.Step][]string),
		ussdTemplate:      cfg.USSDTemplate,
		retryable:         make(map[int]bool),
		alreadyRegistered: cfg.AlreadyRegisteredExitCode,
	}
	for _, step := range domain.OrderedSteps() {
		argv := cfg.Commands[step.String()]
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("no command configured for step %s", step)
		}
		s.commands[step] = argv
	}
	for _, code := range cfg.RetryableExitCodes {
		s.retryable[code] = true
	}
	return s, nil
}

// Run executes the step's command with the record fields substituted into
// its arguments.
func (s *ExecStepper) Run(ctx context.Context, step domain.Step, rec *domain.Record) error {
	argv, ok := s.commands[step]
	if !ok {
		return domain.Terminal(step, "no command configured")
	}
	ussd := BuildUSSDCode(s.ussdTemplate, rec.PhoneNumber(), rec.PukLastFour())
	args := make([]string, len(argv)-1)
	for i, a := range argv[1:] {
		args[i] = expand(a, ussd, rec)
	}

	//nolint:gosec // G204: argv comes from the operator's config
	cmd := exec.CommandContext(ctx, argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		log.Debug(log.CatStep, "Step command succeeded", "id", rec.ID(), "step", step,
			"output", tail(stdout.String()))
		return nil
	}
	return s.classify(ctx, step, err, tail(stderr.String()))
}

func (s *ExecStepper) classify(ctx context.Context, step domain.Step, err error, detail string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &domain.RetryableError{Step: step, Err: fmt.Errorf("command timed out: %w", ctxErr)}
		}
		return ctxErr
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &domain.TerminalError{Step: step, Message: "command could not be started", Err: err}
	}

	code := exitErr.ExitCode()
	switch {
	case s.alreadyRegistered != 0 && code == s.alreadyRegistered:
		return &domain.AlreadyRegisteredError{Step: step, Detail: detail}
	case s.retryable[code]:
		return &domain.RetryableError{Step: step, Err: fmt.Errorf("exit status %d: %s", code, detail)}
	case detail != "":
		return domain.Terminal(step, detail)
	default:
		return domain.Terminal(step, fmt.Sprintf("exit status %d", code))
	}
}

// tail returns the last non-empty line of out, shortened to maxMessageLen.
func tail(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) > maxMessageLen {
		last = "..." + last[len(last)-maxMessageLen:]
	}
	return last
}
