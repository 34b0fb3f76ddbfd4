package room

import (
	"context"
	"sync"
	"testing"

	"voicesfu/internal/media"
	"voicesfu/internal/sessionreg"
)

type fakeConn struct {
	mu  sync.Mutex
	out []interface{}
}

func (f *fakeConn) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, v)
	return nil
}
func (f *fakeConn) Close(code int, reason string) error { return nil }

func (f *fakeConn) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.out))
	copy(out, f.out)
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(media.NewPionEngine(media.PortRange{}), media.DefaultLevelObserverParams())
}

func TestGetOrCreateIdempotent(t *testing.T) {
	reg := newTestRegistry()
	r1, err := reg.GetOrCreate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r2, err := reg.GetOrCreate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected the same room record on repeat GetOrCreate")
	}
}

func TestDestroyIfEmptyRemovesRoom(t *testing.T) {
	reg := newTestRegistry()
	r, _ := reg.GetOrCreate(context.Background(), "r1")

	conn := &fakeConn{}
	p := sessionreg.NewPeer("s1", "p1", conn)
	r.AddPeer(p)

	reg.DestroyIfEmpty(context.Background(), "r1")
	if _, ok := reg.Get("r1"); !ok {
		t.Fatal("room with members should not be destroyed")
	}

	r.RemovePeer("p1")
	reg.DestroyIfEmpty(context.Background(), "r1")
	if _, ok := reg.Get("r1"); ok {
		t.Fatal("expected empty room to be destroyed")
	}
}

func TestBroadcastExcludesPeer(t *testing.T) {
	reg := newTestRegistry()
	r, _ := reg.GetOrCreate(context.Background(), "r1")

	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := sessionreg.NewPeer("s1", "p1", c1)
	p2 := sessionreg.NewPeer("s2", "p2", c2)
	r.AddPeer(p1)
	r.AddPeer(p2)

	r.Broadcast(map[string]string{"type": "peerJoined"}, "p1")

	if len(c1.messages()) != 0 {
		t.Fatal("excluded peer should not receive the broadcast")
	}
	if len(c2.messages()) != 1 {
		t.Fatalf("expected one message delivered, got %d", len(c2.messages()))
	}
}

func TestRegistryStats(t *testing.T) {
	reg := newTestRegistry()
	r, _ := reg.GetOrCreate(context.Background(), "r1")

	c1, c2 := &fakeConn{}, &fakeConn{}
	r.AddPeer(sessionreg.NewPeer("s1", "p1", c1))
	r.AddPeer(sessionreg.NewPeer("s2", "p2", c2))
	r.RegisterProducer(ProducerEntry{ProducerID: "prod1", PeerID: "p1", Kind: media.KindAudio})

	rooms, peers, producers := reg.Stats()
	if rooms != 1 || peers != 2 || producers != 1 {
		t.Fatalf("unexpected stats: rooms=%d peers=%d producers=%d", rooms, peers, producers)
	}
}

func TestRemovePeerProducersClearsIndex(t *testing.T) {
	reg := newTestRegistry()
	r, _ := reg.GetOrCreate(context.Background(), "r1")

	r.RegisterProducer(ProducerEntry{ProducerID: "prod1", PeerID: "p1", Kind: media.KindAudio})
	r.RemovePeerProducers("p1")

	if len(r.Producers()) != 0 {
		t.Fatal("expected producer index entries for p1 to be removed")
	}
}
