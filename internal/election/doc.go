// Package election runs a bully-style leader election between the local
// members sharing a topic.
//
// Each member owns one Coordinator per topic. Coordinators talk over a
// broadcast.Channel named after the topic and agree on the member with the
// lowest identity among those electing together. An existing leader answers
// late inquiries with a claim. A member with a higher identity adopts it; a
// member with a lower identity announces itself and the leader steps down.
//
// The protocol is eventually consistent. Two members may both believe they
// lead for a short window (for example when one joins while another is
// announcing); the next announcement resolves it in favour of the lower
// identity. Nothing here provides mutual exclusion.
//
// Every Coordinator processes broadcasts and timer firings on a single
// goroutine. Timers are keyed by purpose; scheduling a key cancels the previous
// timer for that key and stale firings are discarded.
package election
