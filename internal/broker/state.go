package broker

// State is the connection state of the broker. Exactly one value is live per
// Manager, and tasks are only handed to the helper in Connected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Invalidated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// event drives State transitions.
type event int

const (
	eventConnect       event = iota // a connect attempt starts
	eventConnected                  // the attempt produced a channel
	eventConnectFailed              // the attempt failed
	eventChannelLost                // a live channel went away
	eventReset                      // failure bookkeeping done
	eventClose                      // broker shut down
)

func (e event) String() string {
	switch e {
	case eventConnect:
		return "connect"
	case eventConnected:
		return "connected"
	case eventConnectFailed:
		return "connect-failed"
	case eventChannelLost:
		return "channel-lost"
	case eventReset:
		return "reset"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

var transitions = map[State]map[event]State{
	Disconnected: {
		eventConnect: Connecting,
		eventClose:   Disconnected,
	},
	Connecting: {
		eventConnected:     Connected,
		eventConnectFailed: Invalidated,
		eventClose:         Disconnected,
	},
	Connected: {
		eventChannelLost: Invalidated,
		eventClose:       Disconnected,
	},
	Invalidated: {
		eventReset: Disconnected,
		eventClose: Disconnected,
	},
}

// transition returns the state reached from s on e, and false if e is not
// valid in s.
func transition(s State, e event) (State, bool) {
	next, ok := transitions[s][e]
	return next, ok
}
