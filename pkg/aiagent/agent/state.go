package agent

// State is a step of the per-turn state machine:
//
//	Received -> ProviderCalled -> NoAction -> Replying -> Done
//	                           -> ActionParsed -> Classified -> Executed | AwaitingConfirmation | Rejected
//
// Executed loops back to ProviderCalled until the model stops asking for
// actions or the iteration budget is spent. Provider failures jump
// straight to Replying.
type State int

const (
	Received State = iota
	ProviderCalled
	NoAction
	ActionParsed
	Classified
	Executed
	AwaitingConfirmation
	Rejected
	Replying
	Done
)

var stateNames = [...]string{
	Received:             "received",
	ProviderCalled:       "provider_called",
	NoAction:             "no_action",
	ActionParsed:         "action_parsed",
	Classified:           "classified",
	Executed:             "executed",
	AwaitingConfirmation: "awaiting_confirmation",
	Rejected:             "rejected",
	Replying:             "replying",
	Done:                 "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
