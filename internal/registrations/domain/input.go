package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	phonePattern = regexp.MustCompile(`^0[67]\d{8}$`)
	pukPattern   = regexp.MustCompile(`^\d{4}$`)
)

// InputError lists every problem found in registration input.
type InputError struct {
	Reasons []string
}

func (e *InputError) Error() string {
	return "invalid registration: " + strings.Join(e.Reasons, ", ")
}

// ValidateInput checks the fields of a new registration: a Moroccan mobile
// number (06/07 followed by eight digits), the last four digits of the PUK,
// and non-blank name and CNE.
func ValidateInput(phoneNumber, pukLastFour, fullName, cne string) error {
	var reasons []string
	if !phonePattern.MatchString(phoneNumber) {
		reasons = append(reasons, fmt.Sprintf("invalid phone number %q", phoneNumber))
	}
	if !pukPattern.MatchString(pukLastFour) {
		reasons = append(reasons, "PUK must be 4 digits")
	}
	if strings.TrimSpace(fullName) == "" {
		reasons = append(reasons, "name is empty")
	}
	if strings.TrimSpace(cne) == "" {
		reasons = append(reasons, "CNE is empty")
	}
	if len(reasons) > 0 {
		return &InputError{Reasons: reasons}
	}
	return nil
}
