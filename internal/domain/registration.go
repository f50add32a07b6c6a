package domain

type RegistrationState int

const (
	StateIdle RegistrationState = iota
	StateRegistering
	StateRegistered
	StateDeregistering
)

func (s RegistrationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateDeregistering:
		return "deregistering"
	default:
		return "unknown"
	}
}

var legalTransitions = map[RegistrationState][]RegistrationState{
	StateIdle:          {StateRegistering},
	StateRegistering:   {StateRegistered, StateIdle},
	StateRegistered:    {StateDeregistering},
	StateDeregistering: {StateIdle},
}

// CanTransition reports whether from -> to is one of the edges of the
// registration state machine.
func CanTransition(from, to RegistrationState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RegistrationEvent records one transition. Err is set when the transition
// was caused by a failed register call.
type RegistrationEvent struct {
	From     RegistrationState
	To       RegistrationState
	Instance Instance
	Err      error
}
