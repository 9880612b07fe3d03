package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJob is returned when updating a job the tracker does not hold.
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotFound is returned when looking up a job the tracker does not hold.
	ErrNotFound = errors.New("job not found")
)

// InvariantError reports an update that would break the task counters.
// The record is left unchanged.
type InvariantError struct {
	ID      ID
	Op      string
	Outcome Outcome
	Record  Record
}

func (e *InvariantError) Error() string {
	if e.Op == "report" {
		return fmt.Sprintf("job %s: %s reported with no pending tasks (total=%d)", e.ID, e.Outcome, e.Record.TotalTasks)
	}
	return fmt.Sprintf("job %s: %s with no unstarted tasks (pending=%d)", e.ID, e.Op, e.Record.PendingTasks)
}

// IsInvariant reports whether err is, or wraps, an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
