// Package autonomy holds the process-wide policy ladder that decides which
// automated actions the pipeline may take. The controller is constructed once
// at startup and handed to every component that needs it; tests inject a fresh
// instance.
package autonomy

import (
	"fmt"
	"sync"
	"time"
)

type Mode string

const (
	DryRun           Mode = "dry_run"
	PROnly           Mode = "pr_only"
	LimitedAutoMerge Mode = "limited_auto_merge"
	FullMergeQueue   Mode = "full_merge_queue"
)

var ladder = map[Mode]int{
	DryRun:           0,
	PROnly:           1,
	LimitedAutoMerge: 2,
	FullMergeQueue:   3,
}

func Valid(m Mode) bool {
	_, ok := ladder[m]
	return ok
}

// IsValidTransition allows exactly one step up or down the ladder, or a jump
// straight to dry_run from any other mode (emergency stop). Same-mode
// transitions are illegal.
func IsValidTransition(from, to Mode) bool {
	if !Valid(from) || !Valid(to) {
		return false
	}
	if from == to {
		return false
	}
	if to == DryRun {
		return true
	}
	diff := ladder[to] - ladder[from]
	return diff == 1 || diff == -1
}

// TransitionError carries both endpoints of a rejected mode change.
type TransitionError struct {
	From Mode
	To   Mode
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid autonomy transition %s -> %s", e.From, e.To)
}

// TransitionRecord is one immutable entry in the audit history.
type TransitionRecord struct {
	From      Mode   `json:"from"`
	To        Mode   `json:"to"`
	ChangedBy string `json:"changed_by"`
	ChangedAt string `json:"changed_at" format:"date-time"`
	Reason    string `json:"reason"`
}

// Controller owns the current mode and its append-only history. The consumer
// goroutine reads the mode while API handlers change it, so access is locked.
type Controller struct {
	mu      sync.Mutex
	mode    Mode
	history []TransitionRecord
	Now     func() time.Time
}

func NewController(initial Mode) (*Controller, error) {
	if !Valid(initial) {
		return nil, fmt.Errorf("unknown autonomy mode %q", initial)
	}
	return &Controller{mode: initial, Now: time.Now}, nil
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// History returns a copy; the underlying log is never truncated.
func (c *Controller) History() []TransitionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TransitionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Transition moves the controller to target, appending an audit record. An
// illegal request returns a TransitionError and leaves the mode unchanged.
func (c *Controller) Transition(target Mode, changedBy, reason string) (TransitionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !IsValidTransition(c.mode, target) {
		return TransitionRecord{}, TransitionError{From: c.mode, To: target}
	}
	rec := TransitionRecord{
		From:      c.mode,
		To:        target,
		ChangedBy: changedBy,
		ChangedAt: c.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	}
	c.mode = target
	c.history = append(c.history, rec)
	return rec, nil
}

// CanExecuteSubtask reports whether agent subtasks may run. Only dry_run
// withholds execution.
func CanExecuteSubtask(m Mode) bool {
	return m != DryRun
}

// CanCreatePR reports whether the pipeline may open pull requests.
func CanCreatePR(m Mode) bool {
	return m != DryRun
}

// CanAutoMerge decides whether an automated merge is permitted. dry_run and
// pr_only never merge; limited_auto_merge needs passing checks and a human
// approval; full_merge_queue needs only passing checks.
func CanAutoMerge(m Mode, requiredChecksPassed, humanApproved bool) bool {
	switch m {
	case LimitedAutoMerge:
		return requiredChecksPassed && humanApproved
	case FullMergeQueue:
		return requiredChecksPassed
	default:
		return false
	}
}
