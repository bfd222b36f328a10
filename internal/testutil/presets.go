package testutil

import (
	"time"

	"github.com/simreg/regq/internal/registrations/domain"
)

// WithMixedQueue adds one record per situation the workers meet:
//
//	1, 2  PENDING, fresh
//	3     IN_PROGRESS for an hour, carrier session done
//	4     IN_PROGRESS for a minute
//	5     FAILED after the name step
//	6     COMPLETED
//	7     ALREADY_REGISTERED
//	8     CANCELLED
func (b *Builder) WithMixedQueue() *Builder {
	return b.
		WithRecord(1).
		WithRecord(2, Phone("0700000002")).
		WithRecord(3, Status(domain.StatusInProgress), Steps(true, false, false), Since(time.Hour)).
		WithRecord(4, Status(domain.StatusInProgress), Since(time.Minute)).
		WithRecord(5, Status(domain.StatusFailed), Error("fill_cne: form rejected"), Steps(true, true, false), Attempts(3)).
		WithRecord(6, Status(domain.StatusCompleted)).
		WithRecord(7, Status(domain.StatusAlreadyRegistered), Steps(true, false, false)).
		WithRecord(8, Status(domain.StatusCancelled))
}
