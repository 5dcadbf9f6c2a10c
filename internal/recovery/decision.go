package recovery

// DecisionKind tags a Decision.
type DecisionKind int

const (
	// AutoAccept: the candidate decrypted every item.
	AutoAccept DecisionKind = iota
	// PromptForceAccept: items still fail; the user must choose. Only a
	// Confirmed PromptForceAccept leads to persistence.
	PromptForceAccept
	// Reject: the candidate is discarded.
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case AutoAccept:
		return "auto_accept"
	case PromptForceAccept:
		return "prompt_force_accept"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the engine's verdict on a candidate key set.
type Decision struct {
	Kind         DecisionKind
	FailureCount int

	// Confirmed is set on PromptForceAccept once both prompts were accepted.
	Confirmed bool
	// KeepInput is set on Reject when the entered passcode should be kept
	// for another submission instead of cleared.
	KeepInput bool
}

// Evaluate maps a residual failure count to a decision. It is a pure
// function of count.
func Evaluate(count int) Decision {
	if count == 0 {
		return Decision{Kind: AutoAccept}
	}
	return Decision{Kind: PromptForceAccept, FailureCount: count}
}

// accepts reports whether d leads to persistence.
func (d Decision) accepts() bool {
	return d.Kind == AutoAccept || (d.Kind == PromptForceAccept && d.Confirmed)
}
