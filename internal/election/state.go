package election

// State is the election state of one coordinator.
type State int32

const (
	Normal State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Leadership is a point-in-time view of a coordinator. Leader is empty while
// no leader is recognized.
type Leadership struct {
	Self   string
	Topic  string
	State  State
	Leader string
}

// IsLeader reports whether Self currently leads.
func (l Leadership) IsLeader() bool {
	return l.State == Leader && l.Leader == l.Self
}

// HasLeader reports whether any leader is recognized.
func (l Leadership) HasLeader() bool {
	return l.Leader != ""
}
