package tandem

// Status is the state of the shared broker connection.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
