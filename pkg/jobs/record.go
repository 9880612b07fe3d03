package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID identifies a tracked job.
type ID string

// NewID returns a random job id.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates s as a job id.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return ID(u.String()), nil
}

func (id ID) String() string { return string(id) }

// State is derived from the task counters.
type State string

const (
	// StatePending means no task has finished yet.
	StatePending State = "pending"
	// StateRunning means some but not all tasks have finished.
	StateRunning State = "running"
	// StateTerminal means every task has finished. It never changes again.
	StateTerminal State = "terminal"
)

// Outcome is how a single task finished.
type Outcome int

const (
	Success Outcome = iota
	Error
	Cancelled
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Error:
		return "error"
	case Cancelled:
		return "cancelled"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Record is a point-in-time copy of a job.
//
// TotalTasks always equals PendingTasks + SuccessTasks + ErrorTasks +
// CancelledTasks + DroppedTasks.
type Record struct {
	ID          ID         `json:"id"`
	Kind        Kind       `json:"-"`
	DBName      string     `json:"db_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CPUTime  time.Duration `json:"cpu_nanos"`
	WallTime time.Duration `json:"wall_nanos"`

	TotalTasks     uint64 `json:"total_tasks"`
	PendingTasks   uint64 `json:"pending_tasks"`
	SuccessTasks   uint64 `json:"success_tasks"`
	ErrorTasks     uint64 `json:"error_tasks"`
	CancelledTasks uint64 `json:"cancelled_tasks"`
	DroppedTasks   uint64 `json:"dropped_tasks"`

	State State `json:"state"`
}

// DeriveState computes the state from the counters.
func (r Record) DeriveState() State {
	switch {
	case r.PendingTasks == 0:
		return StateTerminal
	case r.PendingTasks == r.TotalTasks:
		return StatePending
	default:
		return StateRunning
	}
}

// Terminal reports whether every task has finished.
func (r Record) Terminal() bool {
	return r.PendingTasks == 0
}

// Balanced reports whether the counters add up to the total.
func (r Record) Balanced() bool {
	return r.TotalTasks == r.PendingTasks+r.SuccessTasks+r.ErrorTasks+r.CancelledTasks+r.DroppedTasks
}

type recordAlias Record

type recordJSON struct {
	recordAlias
	Kind json.RawMessage `json:"kind"`
}

// MarshalJSON writes the kind as a tagged object under "kind".
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{recordAlias: recordAlias(r), Kind: json.RawMessage("null")}
	if r.Kind != nil {
		k, err := MarshalKind(r.Kind)
		if err != nil {
			return nil, err
		}
		out.Kind = k
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a record written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record(in.recordAlias)
	if len(in.Kind) > 0 && string(in.Kind) != "null" {
		k, err := UnmarshalKind(in.Kind)
		if err != nil {
			return err
		}
		r.Kind = k
	}
	return nil
}
