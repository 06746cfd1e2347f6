package pipeline

import "fmt"

type State string

const (
	StateIdle             State = "idle"
	StateDiscovering      State = "discovering"
	StateDetecting        State = "detecting"
	StateFuzzingAndTriage State = "fuzzing_and_triage"
	StateFinalizing       State = "finalizing"
	StateDone             State = "done"
	StateAborted          State = "aborted"
)

// Discovery that leaves nothing to fuzz jumps straight to finalizing so
// reporting still runs; aborted is reachable from every non-terminal
// state.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateDiscovering: {},
		StateAborted:     {},
	},
	StateDiscovering: {
		StateDetecting:  {},
		StateFinalizing: {},
		StateAborted:    {},
	},
	StateDetecting: {
		StateFuzzingAndTriage: {},
		StateAborted:          {},
	},
	StateFuzzingAndTriage: {
		StateFinalizing: {},
		StateAborted:    {},
	},
	StateFinalizing: {
		StateDone:    {},
		StateAborted: {},
	},
	StateDone:    {},
	StateAborted: {},
}

func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("invalid run state: %q", state)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}
