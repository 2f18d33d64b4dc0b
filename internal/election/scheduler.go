package election

import (
	"time"
)

type timerKey int

const (
	timerInquiry timerKey = iota
	timerResponse
	timerAggregation
)

func (k timerKey) String() string {
	switch k {
	case timerInquiry:
		return "inquiry"
	case timerResponse:
		return "response"
	case timerAggregation:
		return "aggregation"
	default:
		return "unknown"
	}
}

type firing struct {
	key timerKey
	seq uint64
}

type scheduled struct {
	timer *time.Timer
	seq   uint64
}

// scheduler owns the coordinator's timers. It is only touched from the
// coordinator loop; firings are delivered back to that loop through fired.
type scheduler struct {
	fired   chan firing
	stopped chan struct{}
	timers  map[timerKey]scheduled
	seq     uint64
}

func newScheduler() *scheduler {
	return &scheduler{
		fired:   make(chan firing, 8),
		stopped: make(chan struct{}),
		timers:  make(map[timerKey]scheduled),
	}
}

func (s *scheduler) schedule(key timerKey, d time.Duration) {
	s.cancel(key)
	s.seq++
	f := firing{key: key, seq: s.seq}
	t := time.AfterFunc(d, func() {
		select {
		case s.fired <- f:
		case <-s.stopped:
		}
	})
	s.timers[key] = scheduled{timer: t, seq: f.seq}
}

func (s *scheduler) cancel(keys ...timerKey) {
	for _, key := range keys {
		if t, ok := s.timers[key]; ok {
			t.timer.Stop()
			delete(s.timers, key)
		}
	}
}

func (s *scheduler) cancelAll() {
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
}

// accept reports whether f is the live firing for its key and consumes it.
func (s *scheduler) accept(f firing) bool {
	t, ok := s.timers[f.key]
	if !ok || t.seq != f.seq {
		return false
	}
	delete(s.timers, f.key)
	return true
}

func (s *scheduler) stop() {
	s.cancelAll()
	close(s.stopped)
}
