package domain

type PeerConnectionState string

const (
	StateIdle         PeerConnectionState = "idle"
	StateDiscovering  PeerConnectionState = "discovering"
	StateNegotiating  PeerConnectionState = "negotiating"
	StateConnected    PeerConnectionState = "connected"
	StateDegraded     PeerConnectionState = "degraded"
	StateReconnecting PeerConnectionState = "reconnecting"
	StateClosed       PeerConnectionState = "closed"
)

var transitions = map[PeerConnectionState][]PeerConnectionState{
	StateIdle:         {StateDiscovering, StateClosed},
	StateDiscovering:  {StateNegotiating, StateClosed},
	StateNegotiating:  {StateConnected, StateClosed},
	StateConnected:    {StateDegraded, StateClosed},
	StateDegraded:     {StateConnected, StateReconnecting, StateClosed},
	StateReconnecting: {StateConnected, StateClosed},
	StateClosed:       {},
}

// CanTransition reports whether from -> to is a legal edge. Staying in the same
// state is not a transition.
func CanTransition(from, to PeerConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s PeerConnectionState) IsTerminal() bool {
	return s == StateClosed
}

// IsInterrupted is true for the states a manual refresh turns into an
// immediate reconnection attempt.
func (s PeerConnectionState) IsInterrupted() bool {
	return s == StateDegraded || s == StateReconnecting
}

func (s PeerConnectionState) String() string {
	return string(s)
}
