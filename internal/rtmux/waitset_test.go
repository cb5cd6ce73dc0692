package rtmux

import (
	"testing"
)

func TestWaitSetArmAndComplete(t *testing.T) {
	s := newWaitSet()
	w := s.arm("tok-1")
	if s.len() != 1 {
		t.Fatalf("expected 1 armed waiter, got %d", s.len())
	}

	pkt := &Packet{Status: StatusOk, Session: "tok-1"}
	s.complete("tok-1", pkt)

	got := <-w.ch
	if got != pkt {
		t.Fatalf("expected waiter to receive the completed packet")
	}
	if s.len() != 0 {
		t.Fatalf("expected waiter to be removed after completion, got %d remaining", s.len())
	}
}

func TestWaitSetCompleteUnknownTokenIsSilent(t *testing.T) {
	s := newWaitSet()
	s.complete("no-such-token", &Packet{Session: "no-such-token"}) // must not panic or block
}

func TestWaitSetArmTwicePanics(t *testing.T) {
	s := newWaitSet()
	s.arm("dup")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected arm to panic on a reused token")
		}
	}()
	s.arm("dup")
}

func TestWaitSetForget(t *testing.T) {
	s := newWaitSet()
	s.arm("tok")
	s.forget("tok")
	if s.len() != 0 {
		t.Fatalf("expected forget to remove the waiter")
	}
	// A late response for a forgotten token must not panic.
	s.complete("tok", &Packet{Session: "tok"})
}

func TestWaitSetDrainResolvesAllWithSentinel(t *testing.T) {
	s := newWaitSet()
	w1 := s.arm("a")
	w2 := s.arm("b")

	s.drain(nil)

	if got := <-w1.ch; got != nil {
		t.Fatalf("expected nil sentinel for waiter a, got %v", got)
	}
	if got := <-w2.ch; got != nil {
		t.Fatalf("expected nil sentinel for waiter b, got %v", got)
	}
	if s.len() != 0 {
		t.Fatalf("expected drain to empty the set")
	}
}
