package election

import (
	"log/slog"
	"time"

	"github.com/fogfish/opts"
)

// Timings are the protocol's timer durations. Randomized delays are drawn
// uniformly from [delay, delay+jitter).
type Timings struct {
	InquiryDelay      time.Duration
	InquiryJitter     time.Duration
	ResponseWindow    time.Duration
	AggregationWindow time.Duration
	RestartDelay      time.Duration
	RestartJitter     time.Duration
	PostTimeout       time.Duration
}

// DefaultTimings keeps siblings staggered by hundreds of milliseconds so they
// do not all declare themselves leader at once.
func DefaultTimings() Timings {
	return Timings{
		InquiryDelay:      300 * time.Millisecond,
		InquiryJitter:     200 * time.Millisecond,
		ResponseWindow:    500 * time.Millisecond,
		AggregationWindow: 300 * time.Millisecond,
		RestartDelay:      0,
		RestartJitter:     50 * time.Millisecond,
		PostTimeout:       time.Second,
	}
}

// WithTimings replaces the protocol timings.
var WithTimings = opts.ForName[Coordinator, Timings]("timings")

// WithLogger sets the logger used for protocol tracing.
func WithLogger(l *slog.Logger) opts.Option[Coordinator] {
	return opts.Type[Coordinator](func(c *Coordinator) error {
		if l != nil {
			c.logger = l
		}
		return nil
	})
}

// WithObserver registers a function called from the coordinator loop after
// every state or leader change. Observers must not call Close.
func WithObserver(fn func(Leadership)) opts.Option[Coordinator] {
	return opts.Type[Coordinator](func(c *Coordinator) error {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
		return nil
	})
}
