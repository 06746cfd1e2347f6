package pipeline

import "testing"

func TestValidateTransitionAllowsPhaseOrder(t *testing.T) {
	t.Parallel()
	order := []State{StateIdle, StateDiscovering, StateDetecting, StateFuzzingAndTriage, StateFinalizing, StateDone}
	for i := 1; i < len(order); i++ {
		if err := ValidateTransition(order[i-1], order[i]); err != nil {
			t.Fatalf("ValidateTransition(%s, %s): %v", order[i-1], order[i], err)
		}
	}
}

func TestValidateTransitionAllowsDiscoveryShortCircuit(t *testing.T) {
	t.Parallel()
	if err := ValidateTransition(StateDiscovering, StateFinalizing); err != nil {
		t.Fatalf("empty discovery must jump straight to finalizing: %v", err)
	}
}

func TestValidateTransitionRejectsSkips(t *testing.T) {
	t.Parallel()
	invalid := []struct{ from, to State }{
		{StateIdle, StateDetecting},
		{StateIdle, StateFinalizing},
		{StateIdle, StateDone},
		{StateDiscovering, StateFuzzingAndTriage},
		{StateDetecting, StateFinalizing},
		{StateFuzzingAndTriage, StateDone},
		{StateFinalizing, StateDiscovering},
	}
	for _, tc := range invalid {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Fatalf("ValidateTransition(%s, %s) accepted", tc.from, tc.to)
		}
	}
}

func TestAbortReachableFromEveryNonTerminalState(t *testing.T) {
	t.Parallel()
	for _, from := range []State{StateIdle, StateDiscovering, StateDetecting, StateFuzzingAndTriage, StateFinalizing} {
		if err := ValidateTransition(from, StateAborted); err != nil {
			t.Fatalf("ValidateTransition(%s, aborted): %v", from, err)
		}
	}
}

func TestTerminalStatesAdmitNoTransitions(t *testing.T) {
	t.Parallel()
	all := []State{StateIdle, StateDiscovering, StateDetecting, StateFuzzingAndTriage, StateFinalizing, StateDone, StateAborted}
	for _, terminal := range []State{StateDone, StateAborted} {
		for _, to := range all {
			if err := ValidateTransition(terminal, to); err == nil {
				t.Fatalf("ValidateTransition(%s, %s) accepted out of a terminal state", terminal, to)
			}
		}
	}
}

func TestValidateStateRejectsUnknown(t *testing.T) {
	t.Parallel()
	if err := ValidateState(State("paused")); err == nil {
		t.Fatalf("unknown state accepted")
	}
	if err := ValidateTransition(State("paused"), StateDiscovering); err == nil {
		t.Fatalf("transition out of unknown state accepted")
	}
	if err := ValidateTransition(StateIdle, State("paused")); err == nil {
		t.Fatalf("transition into unknown state accepted")
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		state State
		want  bool
	}{
		{StateIdle, false},
		{StateDiscovering, false},
		{StateDetecting, false},
		{StateFuzzingAndTriage, false},
		{StateFinalizing, false},
		{StateDone, true},
		{StateAborted, true},
	} {
		if got := tc.state.Terminal(); got != tc.want {
			t.Fatalf("%s.Terminal() = %v, want %v", tc.state, got, tc.want)
		}
	}
}
