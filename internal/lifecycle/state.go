package lifecycle

// State is the coordinator's position in the session lifecycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateProvisioning State = "PROVISIONING"
	StateTunneling    State = "TUNNELING"
	StateRegistering  State = "REGISTERING"
	StateActive       State = "ACTIVE"
	StateDraining     State = "DRAINING"
	StateTerminated   State = "TERMINATED"
	StateFailed       State = "FAILED"
)

// Drain reasons not produced by the idle monitor.
const (
	ReasonOperator = "operator"
	ReasonPanic    = "panic"
	ReasonStartup  = "startup_failure"
)

// KnownStates lists every state, in lifecycle order.
func KnownStates() []string {
	return []string{
		string(StateIdle),
		string(StateProvisioning),
		string(StateTunneling),
		string(StateRegistering),
		string(StateActive),
		string(StateDraining),
		string(StateTerminated),
		string(StateFailed),
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// PreActive reports whether a failure in s is a startup failure.
func (s State) PreActive() bool {
	switch s {
	case StateIdle, StateProvisioning, StateTunneling, StateRegistering:
		return true
	default:
		return false
	}
}
