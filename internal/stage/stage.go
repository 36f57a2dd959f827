// Package stage enforces workflow-run stage progression. Each non-terminal
// stage may advance exactly one step forward or drop to DeadLetter; nothing
// else is legal.
package stage

import "fmt"

type Stage string

const (
	TaskRequested      Stage = "task_requested"
	SpecGenerated      Stage = "spec_generated"
	SubtasksDispatched Stage = "subtasks_dispatched"
	PRReviewed         Stage = "pr_reviewed"
	MergeDecision      Stage = "merge_decision"
	DeadLetter         Stage = "dead_letter"
)

// Initial is the stage a freshly created run starts in.
const Initial = TaskRequested

var forward = map[Stage]Stage{
	TaskRequested:      SpecGenerated,
	SpecGenerated:      SubtasksDispatched,
	SubtasksDispatched: PRReviewed,
	PRReviewed:         MergeDecision,
}

// All lists every stage, in forward order with DeadLetter last.
func All() []Stage {
	return []Stage{TaskRequested, SpecGenerated, SubtasksDispatched, PRReviewed, MergeDecision, DeadLetter}
}

func Valid(s Stage) bool {
	if s == DeadLetter {
		return true
	}
	if _, ok := forward[s]; ok {
		return true
	}
	return s == MergeDecision
}

// IsValidTransition reports whether from -> to is a legal stage move.
// DeadLetter has no outgoing transitions.
func IsValidTransition(from, to Stage) bool {
	if from == DeadLetter {
		return false
	}
	if to == DeadLetter {
		return Valid(from)
	}
	return forward[from] == to
}

// InvalidTransitionError carries both endpoints of a rejected stage move.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

// Ensure returns an InvalidTransitionError unless from -> to is legal.
func Ensure(from, to Stage) error {
	if !IsValidTransition(from, to) {
		return InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Next returns the forward successor of a stage, or "" for terminal stages.
func Next(s Stage) Stage {
	return forward[s]
}
