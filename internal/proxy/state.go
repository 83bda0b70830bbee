package proxy

// State is a connection's position in its lifecycle. States only move
// forward; Closed is reachable from any of them.
type State uint8

const (
	StateAccepted State = iota
	StateAwaitingFirstData
	StateResolving
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingFirstData:
		return "awaiting_first_data"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine starts in StateAccepted and records every state entered.
type stateMachine struct {
	cur  State
	path []State
}

func newStateMachine() *stateMachine {
	return &stateMachine{cur: StateAccepted, path: []State{StateAccepted}}
}

// advance moves to next and reports whether it did. Moving backwards or
// staying put is refused.
func (m *stateMachine) advance(next State) bool {
	if next <= m.cur {
		return false
	}
	m.cur = next
	m.path = append(m.path, next)
	return true
}

func (m *stateMachine) State() State { return m.cur }
