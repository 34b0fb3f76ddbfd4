// Package room implements the room registry (C3): lazy per-roomId creation,
// the producer index, the speaking set, and event fan-out to members.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"voicesfu/internal/media"
	"voicesfu/internal/sessionreg"
)

// ProducerEntry is the room-wide record of one producer: who owns it, and
// its media kind.
type ProducerEntry struct {
	ProducerID string
	PeerID     string
	Kind       media.Kind
	Producer   media.Producer
}

// SpeakingFalseEvent builds the producerSpeaking{false} event broadcast
// during final peer destruction, outside the level observer's own tick.
func SpeakingFalseEvent(producerID, peerID string) SpeakingEventMsg {
	return speakingEvent(producerID, peerID, false, 0)
}

// SpeakingEventMsg is the producerSpeaking event pushed by the level
// observer driver. Volume is never populated: the level observer callback
// reports producer ids only, so the field stays zero and is omitted from the
// JSON.
type SpeakingEventMsg struct {
	Type       string  `json:"type"`
	ProducerID string  `json:"producerId"`
	PeerID     string  `json:"peerId"`
	Speaking   bool    `json:"speaking"`
	Volume     float64 `json:"volume,omitempty"`
}

func speakingEvent(producerID, peerID string, speaking bool, volume float64) SpeakingEventMsg {
	return SpeakingEventMsg{Type: "producerSpeaking", ProducerID: producerID, PeerID: peerID, Speaking: speaking, Volume: volume}
}

// Room holds one roomId's router handle, membership, and producer index.
type Room struct {
	RoomID string
	Router media.Router

	mu       sync.RWMutex
	peers    map[string]*sessionreg.Peer // keyed by peerId
	index    map[string]ProducerEntry    // keyed by producerId
	speaking map[string]struct{}
}

func newRoom(roomID string, router media.Router) *Room {
	r := &Room{
		RoomID:   roomID,
		Router:   router,
		peers:    make(map[string]*sessionreg.Peer),
		index:    make(map[string]ProducerEntry),
		speaking: make(map[string]struct{}),
	}
	router.LevelObserver().Listen(r.onLevelTick)
	return r
}

func (r *Room) onLevelTick(activeProducerIDs []string, silence bool) {
	if silence {
		r.mu.Lock()
		toClear := make([]ProducerEntry, 0, len(r.speaking))
		for id := range r.speaking {
			if e, ok := r.index[id]; ok {
				toClear = append(toClear, e)
			}
		}
		r.speaking = make(map[string]struct{})
		r.mu.Unlock()

		for _, e := range toClear {
			r.Broadcast(speakingEvent(e.ProducerID, e.PeerID, false, 0), "")
		}
		return
	}

	active := make(map[string]struct{}, len(activeProducerIDs))
	for _, id := range activeProducerIDs {
		active[id] = struct{}{}
	}

	r.mu.Lock()
	var newlyInactive []ProducerEntry
	for id := range r.speaking {
		if _, stillActive := active[id]; !stillActive {
			if e, ok := r.index[id]; ok {
				newlyInactive = append(newlyInactive, e)
			}
			delete(r.speaking, id)
		}
	}
	var entries []ProducerEntry
	for id := range active {
		if e, ok := r.index[id]; ok {
			entries = append(entries, e)
			r.speaking[id] = struct{}{}
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.Broadcast(speakingEvent(e.ProducerID, e.PeerID, true, 0), "")
	}
	for _, e := range newlyInactive {
		r.Broadcast(speakingEvent(e.ProducerID, e.PeerID, false, 0), "")
	}
}

// AddPeer inserts a peer into the room's membership map.
func (r *Room) AddPeer(p *sessionreg.Peer) {
	r.mu.Lock()
	r.peers[p.PeerID] = p
	r.mu.Unlock()
}

// RemovePeer removes a peer from the room's membership map.
func (r *Room) RemovePeer(peerID string) {
	r.mu.Lock()
	delete(r.peers, peerID)
	r.mu.Unlock()
}

// Peer looks up a member by peerId.
func (r *Room) Peer(peerID string) (*sessionreg.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// PeerIDs returns a snapshot of current member peerIds.
func (r *Room) PeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeerCount reports current membership size.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RegisterProducer adds a producer to the room index.
func (r *Room) RegisterProducer(e ProducerEntry) {
	r.mu.Lock()
	r.index[e.ProducerID] = e
	r.mu.Unlock()
	if e.Kind == media.KindAudio {
		// level observer attachment happens at the adapter layer (Transport.Produce);
		// the room index only tracks ownership for broadcast/query purposes.
		_ = e
	}
}

// Producer looks up a single entry in the room's producer index.
func (r *Room) Producer(producerID string) (ProducerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[producerID]
	return e, ok
}

// RemoveProducer deletes a producer from the room index and speaking set,
// returning whether it had been flagged speaking.
func (r *Room) RemoveProducer(producerID string) (ProducerEntry, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[producerID]
	if !ok {
		return ProducerEntry{}, false, false
	}
	delete(r.index, producerID)
	_, wasSpeaking := r.speaking[producerID]
	delete(r.speaking, producerID)
	return e, true, wasSpeaking
}

// Producers returns a snapshot of the room's producer index.
func (r *Room) Producers() []ProducerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerEntry, 0, len(r.index))
	for _, e := range r.index {
		out = append(out, e)
	}
	return out
}

// RemovePeerProducers deletes every producer entry owned by peerID from the
// room index and speaking set without returning which were speaking —
// used by resetPeerMedia, which must not broadcast producerClosed.
func (r *Room) RemovePeerProducers(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.index {
		if e.PeerID == peerID {
			delete(r.index, id)
			delete(r.speaking, id)
		}
	}
}

// Broadcast sends msg to every current member except excludePeerID (if
// non-empty). Per-recipient send failures are swallowed so one stuck
// connection cannot block fan-out to the rest of the room.
func (r *Room) Broadcast(msg interface{}, excludePeerID string) {
	r.mu.RLock()
	targets := make([]*sessionreg.Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excludePeerID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, p := range targets {
		conn := p.Conn()
		if conn == nil {
			continue
		}
		if err := conn.Send(msg); err != nil {
			slog.Debug("broadcast send failed", "room_id", r.RoomID, "peer_id", p.PeerID, "error", err)
		}
	}
}

// Registry is the process-wide roomId -> Room map (C3).
type Registry struct {
	engine media.Engine
	params media.LevelObserverParams

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs a Registry backed by engine, using params for every
// room's level observer.
func NewRegistry(engine media.Engine, params media.LevelObserverParams) *Registry {
	return &Registry{engine: engine, params: params, rooms: make(map[string]*Room)}
}

// GetOrCreate returns the existing room for roomID, or creates one lazily
// (idempotent by roomId).
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[roomID]; ok {
		return r, nil
	}

	router, err := reg.engine.CreateRouter(ctx, roomID, reg.params)
	if err != nil {
		return nil, fmt.Errorf("create router for room %s: %w", roomID, err)
	}
	r := newRoom(roomID, router)
	reg.rooms[roomID] = r
	return r, nil
}

// Get returns the room for roomID if it exists.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// Stats reports the number of live rooms, their combined peer count, and
// combined producer count, for periodic ops logging.
func (reg *Registry) Stats() (rooms, peers, producers int) {
	reg.mu.Lock()
	snapshot := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		snapshot = append(snapshot, r)
	}
	reg.mu.Unlock()

	for _, r := range snapshot {
		peers += r.PeerCount()
		producers += len(r.Producers())
	}
	return len(snapshot), peers, producers
}

// DestroyIfEmpty closes and unpublishes room if it has no members left.
// Safe to call unconditionally after removing a peer.
func (reg *Registry) DestroyIfEmpty(ctx context.Context, roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok || r.PeerCount() > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	if err := r.Router.Close(ctx); err != nil {
		slog.Warn("close router failed", "room_id", roomID, "error", err)
	}
}
