// Package sessionreg implements the process-wide session registry (C2): a
// map from stable sessionId to peer record, with single-shot, cancellable
// grace timers governing reconnect windows.
package sessionreg

import (
	"context"
	"sync"
	"time"

	"voicesfu/internal/media"
)

// Conn is the narrow handle the registry and broadcaster use to reach a
// live connection; the websocket server implements it.
type Conn interface {
	Send(v interface{}) error
	Close(code int, reason string) error
}

// Peer is one live (or grace-suspended) session's server-side record.
type Peer struct {
	SessionID string
	PeerID    string

	mu             sync.Mutex
	conn           Conn
	roomID         string
	sendTransport  media.Transport
	recvTransport  media.Transport
	producers      map[string]media.Producer
	consumers      map[string]media.Consumer
	graceTimer     *time.Timer
	disconnectedAt time.Time
}

// NewPeer constructs an unattached peer record for sessionID/peerID.
func NewPeer(sessionID, peerID string, conn Conn) *Peer {
	return &Peer{
		SessionID: sessionID,
		PeerID:    peerID,
		conn:      conn,
		producers: make(map[string]media.Producer),
		consumers: make(map[string]media.Consumer),
	}
}

// Conn returns the peer's current connection handle.
func (p *Peer) Conn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SetConn replaces the peer's connection handle, returning the previous one
// (which may be nil).
func (p *Peer) SetConn(c Conn) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.conn
	p.conn = c
	return prev
}

// RoomID returns the room the peer currently belongs to, or "" if unset.
func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// SetRoomID sets or clears the peer's room membership.
func (p *Peer) SetRoomID(roomID string) {
	p.mu.Lock()
	p.roomID = roomID
	p.mu.Unlock()
}

// SendTransport and RecvTransport return the peer's current media
// transports, which may be nil.
func (p *Peer) SendTransport() media.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendTransport
}

func (p *Peer) RecvTransport() media.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvTransport
}

// SetTransport records a newly created transport for the given direction,
// returning any transport it replaces (the dispatcher is responsible for
// closing it first, per the protocol's createTransport contract).
func (p *Peer) SetTransport(direction media.Direction, t media.Transport) media.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if direction == media.DirectionSend {
		prev := p.sendTransport
		p.sendTransport = t
		return prev
	}
	prev := p.recvTransport
	p.recvTransport = t
	return prev
}

// AddProducer and AddConsumer record ownership of a media object created on
// one of this peer's transports.
func (p *Peer) AddProducer(pr media.Producer) {
	p.mu.Lock()
	p.producers[pr.ID()] = pr
	p.mu.Unlock()
}

func (p *Peer) AddConsumer(c media.Consumer) {
	p.mu.Lock()
	p.consumers[c.ID()] = c
	p.mu.Unlock()
}

// Producer and Consumer look up owned media objects by id.
func (p *Peer) Producer(id string) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *Peer) Consumer(id string) (media.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// Producers returns a snapshot of the peer's owned producers.
func (p *Peer) Producers() []media.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

// ResetMedia closes and forgets every transport/producer/consumer owned by
// the peer. It is idempotent: calling it again on an already-reset peer is
// a no-op.
func (p *Peer) ResetMedia() {
	p.mu.Lock()
	producers := p.producers
	consumers := p.consumers
	send := p.sendTransport
	recv := p.recvTransport
	p.producers = make(map[string]media.Producer)
	p.consumers = make(map[string]media.Consumer)
	p.sendTransport = nil
	p.recvTransport = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, pr := range producers {
		_ = pr.Close(ctx)
	}
	for _, c := range consumers {
		_ = c.Close(ctx)
	}
	if send != nil {
		_ = send.Close(ctx)
	}
	if recv != nil {
		_ = recv.Close(ctx)
	}
}

// Registry is the process-wide sessionId -> Peer map.
type Registry struct {
	graceWindow time.Duration

	mu   sync.RWMutex
	byID map[string]*Peer
}

// New constructs a Registry with the given grace window (spec default: 25s).
func New(graceWindow time.Duration) *Registry {
	return &Registry{graceWindow: graceWindow, byID: make(map[string]*Peer)}
}

// Lookup finds a peer by sessionId.
func (r *Registry) Lookup(sessionID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[sessionID]
	return p, ok
}

// Insert adds a new peer record.
func (r *Registry) Insert(p *Peer) {
	r.mu.Lock()
	r.byID[p.SessionID] = p
	r.mu.Unlock()
}

// Remove deletes a peer record by sessionId.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.byID, sessionID)
	r.mu.Unlock()
}

// FindByConn performs a linear scan for the peer currently holding conn.
// Acceptable at the target scale per the connection supervisor's design.
func (r *Registry) FindByConn(conn Conn) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byID {
		if p.Conn() == conn {
			return p, true
		}
	}
	return nil, false
}

// ArmGrace (re)arms a single-shot grace timer on p, invoking onExpire when
// it fires without having been disarmed first. Arming an already-armed peer
// cancels the prior timer.
func (r *Registry) ArmGrace(p *Peer, onExpire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.disconnectedAt = time.Now()
	p.graceTimer = time.AfterFunc(r.graceWindow, onExpire)
}

// DisarmGrace cancels p's grace timer, if any.
func (r *Registry) DisarmGrace(p *Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.disconnectedAt = time.Time{}
}

// GraceWindow returns the configured grace duration.
func (r *Registry) GraceWindow() time.Duration { return r.graceWindow }
