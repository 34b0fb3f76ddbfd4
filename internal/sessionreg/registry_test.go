package sessionreg

import (
	"testing"
	"time"
)

type fakeConn struct{ id string }

func (f *fakeConn) Send(v interface{}) error       { return nil }
func (f *fakeConn) Close(code int, reason string) error { return nil }

func TestInsertLookupRemove(t *testing.T) {
	r := New(25 * time.Second)
	p := NewPeer("s1", "p1", &fakeConn{id: "a"})
	r.Insert(p)

	got, ok := r.Lookup("s1")
	if !ok || got != p {
		t.Fatalf("expected to find inserted peer")
	}

	r.Remove("s1")
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("expected peer to be removed")
	}
}

func TestFindByConn(t *testing.T) {
	r := New(25 * time.Second)
	c := &fakeConn{id: "a"}
	p := NewPeer("s1", "p1", c)
	r.Insert(p)

	found, ok := r.FindByConn(c)
	if !ok || found != p {
		t.Fatal("expected to find peer by connection handle")
	}

	if _, ok := r.FindByConn(&fakeConn{id: "b"}); ok {
		t.Fatal("expected no match for a different connection")
	}
}

func TestArmGraceFiresOnExpiry(t *testing.T) {
	r := New(10 * time.Millisecond)
	p := NewPeer("s1", "p1", &fakeConn{})
	r.Insert(p)

	fired := make(chan struct{})
	r.ArmGrace(p, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected grace timer to fire")
	}
}

func TestArmGraceRearmCancelsPrior(t *testing.T) {
	r := New(20 * time.Millisecond)
	p := NewPeer("s1", "p1", &fakeConn{})
	r.Insert(p)

	firstFired := false
	r.ArmGrace(p, func() { firstFired = true })
	r.ArmGrace(p, func() {}) // re-arm cancels the first timer

	time.Sleep(50 * time.Millisecond)
	if firstFired {
		t.Fatal("expected re-arming to cancel the prior timer")
	}
}

func TestDisarmGracePreventsExpiry(t *testing.T) {
	r := New(10 * time.Millisecond)
	p := NewPeer("s1", "p1", &fakeConn{})
	r.Insert(p)

	fired := false
	r.ArmGrace(p, func() { fired = true })
	r.DisarmGrace(p)

	time.Sleep(30 * time.Millisecond)
	if fired {
		t.Fatal("expected disarmed grace timer not to fire")
	}
}

func TestResetMediaIdempotent(t *testing.T) {
	p := NewPeer("s1", "p1", &fakeConn{})
	p.ResetMedia()
	p.ResetMedia() // must not panic or double-close
}
