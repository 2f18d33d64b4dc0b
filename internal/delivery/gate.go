// Package delivery decides whether an inbound message reaches a member's
// callback and runs each member's callbacks one at a time.
package delivery

import (
	"context"
	"log/slog"

	"github.com/casualjim/tandem/internal/election"
	"github.com/casualjim/tandem/internal/registry"
	"github.com/casualjim/tandem/pkg/slogx"
)

// Reason explains a Decision.
type Reason int

const (
	Suppressed Reason = iota
	AsLeader
	Idempotent
	NoLeader
)

func (r Reason) String() string {
	switch r {
	case AsLeader:
		return "leader"
	case Idempotent:
		return "idempotent"
	case NoLeader:
		return "no-leader"
	default:
		return "suppressed"
	}
}

// Decision is the outcome of the delivery policy for one entry.
type Decision struct {
	Deliver bool
	Reason  Reason
}

// Decide applies the delivery policy: deliver when the member leads, when the
// callback is idempotent, or when no leader has been recognized yet.
func Decide(idempotent bool, view election.Leadership) Decision {
	switch {
	case view.IsLeader():
		return Decision{Deliver: true, Reason: AsLeader}
	case idempotent:
		return Decision{Deliver: true, Reason: Idempotent}
	case !view.HasLeader():
		return Decision{Deliver: true, Reason: NoLeader}
	default:
		return Decision{Reason: Suppressed}
	}
}

// Dispatch routes msg to every entry in the snapshot that the policy admits and
// returns how many were delivered.
func Dispatch[M any](logger *slog.Logger, topic string, entries []*registry.Entry[M], msg M) int {
	delivered := 0
	for _, e := range entries {
		var view election.Leadership
		if e.View != nil {
			view = e.View()
		}
		d := Decide(e.Idempotent, view)
		if !d.Deliver {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "suppressed delivery",
				slogx.Topic(topic), slogx.ContextID(e.ContextID), slog.String("leader", view.Leader))
			continue
		}
		e.Deliver(msg)
		delivered++
	}
	return delivered
}
