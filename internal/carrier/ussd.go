// Package carrier provides the step implementations the queue executor runs
// against a carrier: a simulated carrier for dry runs and an adapter that
// shells out to operator-supplied commands.
package carrier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
)

// BuildUSSDCode fills the session code template with the line's phone number
// and PUK digits. An empty template uses config.DefaultUSSDTemplate.
func BuildUSSDCode(template, phone, puk string) string {
	if template == "" {
		template = config.DefaultUSSDTemplate
	}
	return strings.NewReplacer("{phone}", phone, "{puk}", puk).Replace(template)
}

// expand substitutes record fields into one command argument.
func expand(arg, ussd string, rec *domain.Record) string {
	return strings.NewReplacer(
		"{id}", strconv.FormatInt(rec.ID(), 10),
		"{phone}", rec.PhoneNumber(),
		"{puk}", rec.PukLastFour(),
		"{name}", rec.FullName(),
		"{cne}", rec.Cne(),
		"{ussd}", ussd,
	).Replace(arg)
}

// NewStepper builds the step implementation selected by carrier.mode.
func NewStepper(cfg config.CarrierConfig) (queue.Stepper, error) {
	switch cfg.Mode {
	case "", "simulated":
		return NewSimulatedStepper(cfg.SimulatedDelay, cfg.SimulatedFailureRate), nil
	case "exec":
		return NewExecStepper(cfg)
	default:
		return nil, fmt.Errorf("unknown carrier mode %q", cfg.Mode)
	}
}
