package tandem

import "github.com/casualjim/tandem/internal/election"

// ElectionState is a member's position in its topic's election.
type ElectionState = election.State

const (
	Normal    = election.Normal
	Candidate = election.Candidate
	Leader    = election.Leader
)

// Leadership is a point-in-time view of a member's election.
type Leadership = election.Leadership

// Timings are the election timer durations, see ElectionTimings.
type Timings = election.Timings

// DefaultTimings returns the election timings used unless overridden.
func DefaultTimings() Timings {
	return election.DefaultTimings()
}
