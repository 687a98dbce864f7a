package task

import "fmt"

// State represents the execution state of a task.
type State int32

const (
	// Pending indicates the task is waiting for its predecessors.
	Pending State = iota
	// Ready indicates every predecessor is done and the task awaits admission.
	Ready
	// Dispatched indicates the task was admitted and is running.
	Dispatched
	// Done indicates the task completed successfully.
	Done
	// Failed indicates the task failed or was skipped.
	Failed
)

var stateNames = map[State]string{
	Pending:    "pending",
	Ready:      "ready",
	Dispatched: "dispatched",
	Done:       "done",
	Failed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", string(text))
}
