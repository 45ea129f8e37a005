package domain

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

var allStates = []OrderState{
	OrderStatePending,
	OrderStateNew,
	OrderStatePartiallyFilled,
	OrderStateFilled,
	OrderStateCancelled,
	OrderStateRejected,
}

func TestOrderStateTerminal(t *testing.T) {
	want := map[OrderState]bool{
		OrderStatePending:         false,
		OrderStateNew:             false,
		OrderStatePartiallyFilled: false,
		OrderStateFilled:          true,
		OrderStateCancelled:       true,
		OrderStateRejected:        true,
	}
	for s, terminal := range want {
		if got := s.IsTerminal(); got != terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal)
		}
	}
}

func TestOrderStateFromPending(t *testing.T) {
	for _, next := range []OrderState{OrderStateNew, OrderStateFilled, OrderStateRejected} {
		if !OrderStatePending.CanTransitionTo(next) {
			t.Errorf("pending -> %s should be allowed", next)
		}
	}
	if OrderStatePending.CanTransitionTo(OrderStatePartiallyFilled) {
		t.Error("pending -> partially_filled should not be a single step")
	}
}

func TestOrderStateNoBackwardTransitions(t *testing.T) {
	if OrderStatePartiallyFilled.CanTransitionTo(OrderStateNew) {
		t.Error("partially_filled -> new must be rejected")
	}
	if OrderStateNew.CanTransitionTo(OrderStatePending) {
		t.Error("new -> pending must be rejected")
	}
}

func TestOrderStateValid(t *testing.T) {
	for _, s := range allStates {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	if OrderState("replaced").Valid() {
		t.Error(`OrderState("replaced").Valid() = true`)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(allStates).Draw(t, "from")
		to := rapid.SampledFrom(allStates).Draw(t, "to")

		if from.IsTerminal() && from != to && from.CanTransitionTo(to) {
			t.Fatalf("terminal state %s must not transition to %s", from, to)
		}
		if from.CanTransitionTo(to) && from != to && to == OrderStatePending {
			t.Fatalf("%s -> pending must never be allowed", from)
		}
	})
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(fmt.Errorf("get order: %w", ErrTransportFailure)) {
		t.Error("wrapped transport failure should be retriable")
	}
	if IsRetriable(fmt.Errorf("post order: %w", ErrRejectedByVenue)) {
		t.Error("venue rejection should not be retriable")
	}
	if IsRetriable(errors.New("plain")) {
		t.Error("unclassified error should not be retriable")
	}
}
