package lighter

// State is the connection state of the feed reader.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}
