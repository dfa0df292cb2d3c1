package scenario

// State is the executor's per-iteration state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the iteration has finished
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// validTransitions lists the legal next states
// FUNCTIONAL DISCOVERY: Closing may also end in Errored when the socket fails
// before the close handshake completes
var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateErrored, StateDone},
	StateOpen:       {StateClosing, StateDone, StateErrored},
	StateClosing:    {StateDone, StateErrored},
}

// CanTransition reports whether next is a legal successor of s
func (s State) CanTransition(next State) bool {
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
