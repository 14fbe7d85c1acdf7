package concurrency

import (
	"sync"
)

// Signal is a one-shot broadcast. The first Fire wins; later calls are no-ops
// and report false. Done is closed once fired.
type Signal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	reason string
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire records reason and wakes every waiter. It returns true only for the
// call that actually fired the signal.
func (s *Signal) Fire(reason string) bool {
	fired := false
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		fired = true
	})
	return fired
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to the winning Fire, or "" if not fired.
func (s *Signal) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}
