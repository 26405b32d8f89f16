package dispatcher

// State is a position in the session state machine. The dispatcher moves
// Disconnected -> Connecting -> Handshaking -> Authorizing -> Ready, and
// falls back to Disconnected from any state on a transport or protocol
// error.
type State int32

// Session states
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateAuthorizing
	StateReady
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
