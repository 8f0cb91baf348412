package transport

// State is the connection state of a Transport.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateNotConnected
	StateLostConnection
	StateDisconnected
)

var stateNames = [...]string{
	StateNew:            "new",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateNotConnected:   "not_connected",
	StateLostConnection: "lost_connection",
	StateDisconnected:   "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
