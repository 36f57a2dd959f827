package stage

import (
	"errors"
	"testing"
)

func TestForwardTransitions(t *testing.T) {
	steps := []struct{ from, to Stage }{
		{TaskRequested, SpecGenerated},
		{SpecGenerated, SubtasksDispatched},
		{SubtasksDispatched, PRReviewed},
		{PRReviewed, MergeDecision},
	}
	for _, s := range steps {
		if !IsValidTransition(s.from, s.to) {
			t.Errorf("expected %s -> %s to be valid", s.from, s.to)
		}
	}
}

func TestDeadLetterReachableFromEverywhere(t *testing.T) {
	for _, s := range All() {
		if s == DeadLetter {
			continue
		}
		if !IsValidTransition(s, DeadLetter) {
			t.Errorf("expected %s -> dead_letter to be valid", s)
		}
	}
}

func TestDeadLetterHasNoExits(t *testing.T) {
	for _, s := range All() {
		if IsValidTransition(DeadLetter, s) {
			t.Errorf("dead_letter -> %s must be invalid", s)
		}
	}
}

// Exhaustive: anything not forward-by-one or to DeadLetter is illegal. Covers
// backward moves, skips, and self-transitions.
func TestNoOtherTransitions(t *testing.T) {
	for _, from := range All() {
		for _, to := range All() {
			legal := from != DeadLetter && (to == DeadLetter || Next(from) == to && to != "")
			if got := IsValidTransition(from, to); got != legal {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", from, to, got, legal)
			}
		}
	}
}

func TestEnsureReturnsTypedError(t *testing.T) {
	err := Ensure(SpecGenerated, TaskRequested)
	var ite InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != SpecGenerated || ite.To != TaskRequested {
		t.Fatalf("error endpoints wrong: %+v", ite)
	}
	if err := Ensure(TaskRequested, SpecGenerated); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
}
