package signaling

import (
	"context"
	"encoding/json"

	"voicesfu/internal/media"
	"voicesfu/internal/room"
	"voicesfu/internal/sessionreg"
)

// parsePayload unmarshals raw into v, treating an absent/empty payload as the
// zero value rather than a JSON error.
func parsePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// joinPayload is the shared wire shape of join and resumeSession requests.
type joinPayload struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
}

type joinResponseData struct {
	RoomID            string                `json:"roomId"`
	SessionID         string                `json:"sessionId"`
	PeerID            string                `json:"peerId"`
	RtpCapabilities   media.RtpCapabilities `json:"rtpCapabilities"`
	ExistingPeers     []peerSummary         `json:"existingPeers"`
	ExistingProducers []producerSummary     `json:"existingProducers"`
}

// handleJoinOrResume implements both join and resumeSession: they share
// identical adopt-semantics (§4.4) and differ only in whether an absent peer
// record is an error (resumeSession) or a fresh-create (join).
func (c *Core) handleJoinOrResume(ctx context.Context, conn sessionreg.Conn, id Identity, raw json.RawMessage, isResume bool) (interface{}, string) {
	var p joinPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errRoomIDRequired
	}

	if p.RoomID == "" {
		return nil, errRoomIDRequired
	}
	if errKind := requireRoomBinding(id, p.RoomID); errKind != "" {
		return nil, errKind
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = id.SessionID
	}
	if p.SessionID != "" && id.SessionID != "" && p.SessionID != id.SessionID {
		return nil, errSessionMismatch
	}

	rm, err := c.Rooms.GetOrCreate(ctx, id.RoomID)
	if err != nil {
		c.Logger.Error("get or create room", "room_id", id.RoomID, "error", err)
		return nil, errInternal
	}

	var peer *sessionreg.Peer
	rejoin := false

	if sessionID != "" {
		if existing, ok := c.Sessions.Lookup(sessionID); ok {
			if existing.PeerID != id.PeerID {
				return nil, errPeerMismatch
			}
			peer = existing
			c.Sessions.DisarmGrace(peer)

			if oldRoomID := peer.RoomID(); oldRoomID != "" {
				if oldRoom, ok := c.Rooms.Get(oldRoomID); ok {
					oldRoom.RemovePeerProducers(peer.PeerID)
				}
			}
			peer.ResetMedia()

			prevConn := peer.SetConn(conn)
			if prevConn != nil && prevConn != conn {
				_ = prevConn.Close(1000, "superseded")
			}

			if _, inRoom := rm.Peer(peer.PeerID); !inRoom {
				peer.SetRoomID(id.RoomID)
				rm.AddPeer(peer)
				rejoin = true
			}
		}
	}

	if peer == nil {
		if isResume {
			return nil, errPeerNotFound
		}
		if sessionID == "" {
			sessionID = newSessionID()
		}
		peer = sessionreg.NewPeer(sessionID, id.PeerID, conn)
		peer.SetRoomID(id.RoomID)
		c.Sessions.Insert(peer)
		rm.AddPeer(peer)
		rejoin = true
	}

	if rejoin {
		rm.Broadcast(peerJoinedEvent(peer.PeerID), peer.PeerID)
	}

	existingPeers := make([]peerSummary, 0)
	for _, pid := range rm.PeerIDs() {
		if pid == peer.PeerID {
			continue
		}
		existingPeers = append(existingPeers, peerSummary{PeerID: pid})
	}
	existingProducers := producerSummaries(rm.Producers())

	data := joinResponseData{
		RoomID:            id.RoomID,
		SessionID:         peer.SessionID,
		PeerID:            peer.PeerID,
		RtpCapabilities:   rm.Router.RtpCapabilities(),
		ExistingPeers:     existingPeers,
		ExistingProducers: existingProducers,
	}

	welcome := newWelcome(peer.PeerID, peer.SessionID, "")
	welcome.ExistingPeers = existingPeers
	welcome.ExistingProducers = existingProducers
	_ = conn.Send(welcome)

	return data, ""
}

type listProducersPayload struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

type listProducersData struct {
	List []producerSummary `json:"list"`
}

func (c *Core) handleListProducers(id Identity, raw json.RawMessage) (interface{}, string) {
	var p listProducersPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errRoomNotFound
	}

	if p.SessionID != "" {
		peer, errKind := c.resolvePeer(p.SessionID)
		if errKind != "" {
			return nil, errKind
		}
		if errKind := requireRoomBinding(id, peer.RoomID()); errKind != "" {
			return nil, errKind
		}
	}
	if errKind := requireRoomBinding(id, p.RoomID); errKind != "" {
		return nil, errKind
	}

	rm, ok := c.Rooms.Get(id.RoomID)
	if !ok {
		return nil, errRoomNotFound
	}
	return listProducersData{List: producerSummaries(rm.Producers())}, ""
}

type createTransportPayload struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
}

type transportData struct {
	ID             string               `json:"id"`
	IceParameters  media.IceParameters  `json:"iceParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

func parseDirection(s string) (media.Direction, bool) {
	switch s {
	case "send":
		return media.DirectionSend, true
	case "recv":
		return media.DirectionRecv, true
	default:
		return "", false
	}
}

func (c *Core) handleCreateTransport(ctx context.Context, id Identity, raw json.RawMessage) (interface{}, string) {
	var p createTransportPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errInvalidDirection
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	direction, ok := parseDirection(p.Direction)
	if !ok {
		return nil, errInvalidDirection
	}

	rm, ok := c.Rooms.Get(peer.RoomID())
	if !ok {
		return nil, errRoomNotFound
	}

	t, err := rm.Router.CreateTransport(ctx, direction)
	if err != nil {
		c.Logger.Error("create transport", "error", err)
		return nil, errInternal
	}

	if prev := peer.SetTransport(direction, t); prev != nil {
		_ = prev.Close(ctx)
	}

	return transportData{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, ""
}

type connectTransportPayload struct {
	SessionID      string               `json:"sessionId"`
	Direction      string               `json:"direction"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

func (c *Core) handleConnectTransport(ctx context.Context, id Identity, raw json.RawMessage) (interface{}, string) {
	var p connectTransportPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errMissingDTLS
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	direction, ok := parseDirection(p.Direction)
	if !ok {
		return nil, errInvalidDirection
	}

	var t media.Transport
	if direction == media.DirectionSend {
		t = peer.SendTransport()
	} else {
		t = peer.RecvTransport()
	}
	if t == nil {
		return nil, errTransportNotFound
	}

	if len(p.DtlsParameters.Fingerprint) == 0 {
		return nil, errMissingDTLS
	}

	if err := t.Connect(ctx, p.DtlsParameters); err != nil {
		return nil, errMissingDTLS
	}
	return map[string]bool{"connected": true}, ""
}

type producePayload struct {
	SessionID     string                 `json:"sessionId"`
	Kind          string                 `json:"kind"`
	RtpParameters media.RtpParameters    `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

func (c *Core) handleProduce(ctx context.Context, id Identity, raw json.RawMessage) (interface{}, string) {
	var p producePayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errInvalidKind
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	var kind media.Kind
	switch p.Kind {
	case "audio":
		kind = media.KindAudio
	case "video":
		kind = media.KindVideo
	default:
		return nil, errInvalidKind
	}

	if len(p.RtpParameters) == 0 {
		return nil, errMissingRTP
	}

	send := peer.SendTransport()
	if send == nil {
		return nil, errSendNotReady
	}

	producer, err := send.Produce(ctx, kind, p.RtpParameters)
	if err != nil {
		c.Logger.Error("produce", "error", err)
		return nil, errInternal
	}
	peer.AddProducer(producer)

	rm, ok := c.Rooms.Get(peer.RoomID())
	if !ok {
		return nil, errRoomNotFound
	}
	rm.RegisterProducer(room.ProducerEntry{
		ProducerID: producer.ID(),
		PeerID:     peer.PeerID,
		Kind:       kind,
		Producer:   producer,
	})

	rm.Broadcast(newProducerEvent(producer.ID(), peer.PeerID, string(kind)), peer.PeerID)

	return map[string]string{"producerId": producer.ID()}, ""
}

type consumePayload struct {
	SessionID       string                `json:"sessionId"`
	ProducerID      string                `json:"producerId"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type consumeData struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          string              `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

func (c *Core) handleConsume(ctx context.Context, id Identity, raw json.RawMessage) (interface{}, string) {
	var p consumePayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errProducerNotFound
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	rm, ok := c.Rooms.Get(peer.RoomID())
	if !ok {
		return nil, errRoomNotFound
	}

	entry, ok := rm.Producer(p.ProducerID)
	if !ok {
		return nil, errProducerNotFound
	}
	if entry.PeerID == peer.PeerID {
		return nil, errCannotConsumeSelf
	}

	recv := peer.RecvTransport()
	if recv == nil {
		return nil, errRecvNotReady
	}
	if !recv.CanConsume(p.RtpCapabilities, entry.Producer) {
		return nil, errCannotConsume
	}

	consumer, err := recv.Consume(ctx, entry.Producer, p.RtpCapabilities)
	if err != nil {
		c.Logger.Error("consume", "error", err)
		return nil, errInternal
	}
	peer.AddConsumer(consumer)

	return consumeData{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          string(consumer.Kind()),
		RtpParameters: consumer.RtpParameters(),
	}, ""
}

type producerActionPayload struct {
	SessionID  string `json:"sessionId"`
	ProducerID string `json:"producerId"`
}

func (c *Core) handlePauseResumeProducer(ctx context.Context, id Identity, raw json.RawMessage, pause bool) (interface{}, string) {
	var p producerActionPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errProducerNotFound
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	producer, ok := peer.Producer(p.ProducerID)
	if !ok {
		return nil, errProducerNotFound
	}

	var err error
	if pause {
		err = producer.Pause(ctx)
	} else {
		err = producer.Resume(ctx)
	}
	if err != nil {
		c.Logger.Error("pause/resume producer", "error", err)
		return nil, errInternal
	}
	if pause {
		return map[string]bool{"paused": true}, ""
	}
	return map[string]bool{"resumed": true}, ""
}

type consumerActionPayload struct {
	SessionID  string `json:"sessionId"`
	ConsumerID string `json:"consumerId"`
}

func (c *Core) handlePauseResumeConsumer(ctx context.Context, id Identity, raw json.RawMessage, pause bool) (interface{}, string) {
	var p consumerActionPayload
	if err := parsePayload(raw, &p); err != nil {
		return nil, errConsumerNotFound
	}

	peer, errKind := c.joinedPeer(id, p.SessionID)
	if errKind != "" {
		return nil, errKind
	}

	consumer, ok := peer.Consumer(p.ConsumerID)
	if !ok {
		return nil, errConsumerNotFound
	}

	var err error
	if pause {
		err = consumer.Pause(ctx)
	} else {
		err = consumer.Resume(ctx)
	}
	if err != nil {
		c.Logger.Error("pause/resume consumer", "error", err)
		return nil, errInternal
	}
	return map[string]interface{}{}, ""
}

// joinedPeer resolves sessionID to a peer (cross-cutting rule 1), checks its
// room binding against the token-bound identity (rule 2), and requires it be
// joined to a room (rule 3).
func (c *Core) joinedPeer(id Identity, sessionID string) (*sessionreg.Peer, string) {
	peer, errKind := c.resolvePeer(sessionID)
	if errKind != "" {
		return nil, errKind
	}
	if errKind := requireRoomBinding(id, peer.RoomID()); errKind != "" {
		return nil, errKind
	}
	if errKind := requireJoined(peer); errKind != "" {
		return nil, errKind
	}
	return peer, ""
}
