package synchronizer

import (
	"sync"
	"time"
)

const DefaultCleanupDelay = 30 * time.Minute

type slot struct {
	userID         int64
	conversationID string
}

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type pending struct {
	timestamp int64
	timer     stopper
}

// scheduler keeps at most one pending cleanup per slot. Arming a slot cancels the previous
// timer; the fire callback still re-checks the stored timestamp in case a cancellation
// was lost (another process wrote the slot, or Stop raced with the timer).
type scheduler struct {
	delay time.Duration
	after afterFunc
	fire  func(s slot, timestamp int64)

	mu      sync.Mutex
	pending map[slot]*pending
	closed  bool
}

func newScheduler(delay time.Duration, after afterFunc, fire func(slot, int64)) *scheduler {
	return &scheduler{
		delay:   delay,
		after:   after,
		fire:    fire,
		pending: make(map[slot]*pending),
	}
}

func (s *scheduler) arm(sl slot, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.pending[sl]; ok {
		prev.timer.Stop()
	}
	p := &pending{timestamp: timestamp}
	p.timer = s.after(s.delay, func() {
		s.mu.Lock()
		if s.pending[sl] == p {
			delete(s.pending, sl)
		}
		s.mu.Unlock()
		s.fire(sl, timestamp)
	})
	s.pending[sl] = p
}

func (s *scheduler) cancel(sl slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[sl]; ok {
		p.timer.Stop()
		delete(s.pending, sl)
	}
}

func (s *scheduler) armed(sl slot) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sl]
	if !ok {
		return 0, false
	}
	return p.timestamp, true
}

func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sl, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, sl)
	}
}
