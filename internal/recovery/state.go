package recovery

import "fmt"

// State is the position of a session in the recovery state machine.
type State int

const (
	AwaitingInput State = iota
	Deriving
	Attempting
	Evaluating
	PromptingUser
	Retrying
	ConfirmingForce
	Accepting
	AutoAccepted
	ForceAccepted
	Failed
	Dismissed
	Unrecoverable
)

var stateNames = [...]string{
	AwaitingInput:   "awaiting_input",
	Deriving:        "deriving",
	Attempting:      "attempting",
	Evaluating:      "evaluating",
	PromptingUser:   "prompting_user",
	Retrying:        "retrying",
	ConfirmingForce: "confirming_force",
	Accepting:       "accepting",
	AutoAccepted:    "auto_accepted",
	ForceAccepted:   "force_accepted",
	Failed:          "failed",
	Dismissed:       "dismissed",
	Unrecoverable:   "unrecoverable",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// transitions lists every legal move. Dismissed is reachable from every
// non-terminal state except Accepting, which cannot be interrupted.
var transitions = map[State][]State{
	AwaitingInput:   {Deriving, Dismissed},
	Deriving:        {Attempting, Unrecoverable, Dismissed},
	Attempting:      {Evaluating, Unrecoverable, Dismissed},
	Evaluating:      {Accepting, PromptingUser, Dismissed},
	PromptingUser:   {Retrying, ConfirmingForce, Dismissed},
	Retrying:        {AwaitingInput, Dismissed},
	ConfirmingForce: {Accepting, AwaitingInput, Dismissed},
	Accepting:       {AutoAccepted, ForceAccepted, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
