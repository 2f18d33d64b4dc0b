// Package retry computes reconnect delays: min(base * 2^attempt, max) with an
// optional ceiling on the number of attempts.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBase = time.Second
	DefaultMax  = 30 * time.Second
)

// ErrExhausted is returned by Next once the attempt ceiling is exceeded.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy describes the reconnect schedule. MaxAttempts of zero retries forever.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Schedule tracks the attempt counter for one connection. It is not safe for
// concurrent use; the client guards it with its own lock.
type Schedule struct {
	policy  Policy
	attempt int
	exp     *backoff.ExponentialBackOff
}

// New creates a schedule for the policy, substituting defaults for zero durations.
func New(p Policy) *Schedule {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	exp := backoff.NewExponentialBackOff()
	// the first retry already waits base*2
	exp.InitialInterval = p.Base * 2
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Schedule{policy: p, exp: exp}
}

// Next increments the attempt counter and returns the delay before that
// attempt. It returns ErrExhausted when the ceiling is exceeded.
func (s *Schedule) Next() (time.Duration, error) {
	s.attempt++
	if s.policy.MaxAttempts > 0 && s.attempt > s.policy.MaxAttempts {
		return 0, fmt.Errorf("%w: %d attempts", ErrExhausted, s.policy.MaxAttempts)
	}
	d := s.exp.NextBackOff()
	if d == backoff.Stop || d > s.policy.Max {
		d = s.policy.Max
	}
	return d, nil
}

// Attempt returns the number of attempts made since the last Reset.
func (s *Schedule) Attempt() int {
	return s.attempt
}

// Reset is called after a successful connect.
func (s *Schedule) Reset() {
	s.attempt = 0
	s.exp.Reset()
}

// Delay returns min(base * 2^attempt, max) without touching any schedule.
func Delay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}
