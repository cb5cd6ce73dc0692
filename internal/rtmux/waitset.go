package rtmux

import (
	"fmt"
	"sync"
)

// waiter is a one-shot synchronizer: armed by Request, resolved exactly once
// by a matching response, a timeout, or a disconnect drain.
type waiter struct {
	ch chan *Packet
}

// waitSet maps session tokens to waiters currently blocked on them. A token
// is present iff some caller is blocked on it; all operations below are
// atomic with respect to each other.
type waitSet struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newWaitSet() *waitSet {
	return &waitSet{waiters: make(map[string]*waiter)}
}

// arm inserts a fresh waiter for token. It panics if the token is already
// present — minting collisions of this magnitude indicate a caller bug
// (reusing a token), not a runtime condition to recover from.
func (s *waitSet) arm(token string) *waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.waiters[token]; exists {
		panic(fmt.Sprintf("rtmux: session token armed twice: %s", token))
	}
	w := &waiter{ch: make(chan *Packet, 1)}
	s.waiters[token] = w
	return w
}

// complete resolves the waiter for token with pkt, if one is still present.
// A response for an absent token (already resolved by timeout or drain, or
// simply unknown) is dropped silently.
func (s *waitSet) complete(token string, pkt *Packet) {
	s.mu.Lock()
	w, ok := s.waiters[token]
	if ok {
		delete(s.waiters, token)
	}
	s.mu.Unlock()
	if ok {
		w.ch <- pkt
	}
}

// forget removes token's waiter without resolving it, used by the timeout
// path: the token is gone by the time any late response arrives, so complete
// drops it exactly as it would a tombstoned entry.
func (s *waitSet) forget(token string) {
	s.mu.Lock()
	delete(s.waiters, token)
	s.mu.Unlock()
}

// drain resolves every remaining waiter with sentinel (nil denotes
// disconnect) and empties the set.
func (s *waitSet) drain(sentinel *Packet) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[string]*waiter)
	s.mu.Unlock()
	for _, w := range waiters {
		w.ch <- sentinel
	}
}

func (s *waitSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
