package dispatch

import "sync"

// Strategy picks which source a dispatch round polls next.
type Strategy interface {
	// Next returns the index of the source to poll, given n sources.
	Next(n int) int

	// Report tells the strategy how many items the round claimed from the
	// source it chose.
	Report(claimed int)
}

// RoundRobin rotates through the sources on every round regardless of what
// the previous round yielded.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Next implements Strategy.
func (s *RoundRobin) Next(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return 0
	}
	i := s.next % n
	s.next = (i + 1) % n
	return i
}

// Report implements Strategy. Round-robin ignores yields.
func (s *RoundRobin) Report(claimed int) {}

// DrainFirst stays on one source while it keeps yielding items and only
// rotates once a round comes back empty. Busy stores drain in long
// sequential runs instead of interleaving.
type DrainFirst struct {
	mu      sync.Mutex
	current int
	rotate  bool
}

// NewDrainFirst creates a drain-first strategy.
func NewDrainFirst() *DrainFirst { return &DrainFirst{} }

// Next implements Strategy.
func (s *DrainFirst) Next(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return 0
	}
	if s.rotate {
		s.current = (s.current + 1) % n
		s.rotate = false
	}
	if s.current >= n {
		s.current = 0
	}
	return s.current
}

// Report implements Strategy.
func (s *DrainFirst) Report(claimed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if claimed == 0 {
		s.rotate = true
	}
}
