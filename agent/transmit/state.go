package transmit

// State is the transmitter's position in its connection lifecycle:
//
//	Disconnected → Connecting → Registered → Streaming ⇄ Backoff
//
// with Shutdown as the only terminal state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateStreaming
	StateBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}
