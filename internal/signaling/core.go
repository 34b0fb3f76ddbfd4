package signaling

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"voicesfu/internal/room"
	"voicesfu/internal/sessionreg"
)

// Error kinds returned as response failures. These are response-level
// failures (ok:false); only token rejection ever closes a connection.
const (
	errInvalidSession  = "invalid sessionId"
	errRoomMismatch    = "roomId mismatch"
	errPeerMismatch    = "peerId mismatch"
	errSessionMismatch = "sessionId mismatch"
	errRoomNotJoined   = "room not joined"
	errRoomNotFound    = "room not found"
	errRoomIDRequired  = "roomId required"
	errPeerNotFound    = "peer not found"
	errInvalidDirection = "invalid direction"
	errInvalidKind      = "invalid kind"
	errSendNotReady     = "send transport not ready"
	errRecvNotReady     = "recv transport not ready"
	errTransportNotFound = "transport not found"
	errMissingDTLS       = "missing dtlsParameters"
	errMissingRTP        = "missing rtpParameters"
	errProducerNotFound  = "producer not found"
	errConsumerNotFound  = "consumer not found"
	errCannotConsume     = "cannot consume"
	errCannotConsumeSelf = "cannot consume self"
	errUnknownType       = "unknown type"
	errRateLimited       = "rate_limited"
	errInternal          = "internal error"
)

// Core implements the request dispatcher (C5) and the destroyPeer /
// disconnect glue shared between the session registry (C2), room registry
// (C3), and connection supervisor (C7).
type Core struct {
	Sessions *sessionreg.Registry
	Rooms    *room.Registry
	Logger   *slog.Logger
}

// NewCore wires a dispatcher over the given registries.
func NewCore(sessions *sessionreg.Registry, rooms *room.Registry, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{Sessions: sessions, Rooms: rooms, Logger: logger}
}

// HandleAccept sends the unsolicited welcome message for a freshly
// token-validated connection.
func (c *Core) HandleAccept(conn sessionreg.Conn, id Identity) error {
	return conn.Send(newWelcome(id.PeerID, id.SessionID, ""))
}

// HandleDisconnect finds the peer owning conn (linear scan, acceptable at
// target scale) and arms its grace timer.
func (c *Core) HandleDisconnect(conn sessionreg.Conn) {
	peer, ok := c.Sessions.FindByConn(conn)
	if !ok {
		return
	}
	c.Sessions.ArmGrace(peer, func() { c.destroyPeer(peer) })
}

// destroyPeer runs the final cleanup path: producers removed from the room
// index (broadcasting producerSpeaking false + producerClosed as needed),
// the peer removed from the room (broadcasting peerLeft), media closed, and
// the room torn down if now empty.
func (c *Core) destroyPeer(peer *sessionreg.Peer) {
	roomID := peer.RoomID()
	rm, ok := c.Rooms.Get(roomID)
	if ok {
		for _, pr := range peer.Producers() {
			entry, found, wasSpeaking := rm.RemoveProducer(pr.ID())
			if !found {
				continue
			}
			if wasSpeaking {
				rm.Broadcast(room.SpeakingFalseEvent(entry.ProducerID, entry.PeerID), "")
			}
			rm.Broadcast(producerClosedEvent(entry.ProducerID, entry.PeerID, string(entry.Kind)), "")
		}
		rm.RemovePeer(peer.PeerID)
		rm.Broadcast(peerLeftEvent(peer.PeerID), "")
	}

	peer.ResetMedia()
	c.Sessions.Remove(peer.SessionID)

	if ok {
		c.Rooms.DestroyIfEmpty(context.Background(), roomID)
	}
}

// HandleMessage dispatches one inbound request and returns its response
// envelope. Handler panics are recovered and converted into a response
// failure; they never propagate out to the connection loop.
func (c *Core) HandleMessage(ctx context.Context, conn sessionreg.Conn, id Identity, raw []byte) (resp Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(nil, "bad_request")
	}

	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("request handler panic", "type", req.Type, "recovered", r)
			resp = errResponse(req.RequestID, errInternal)
		}
	}()

	data, errKind := c.dispatch(ctx, conn, id, req)
	if errKind != "" {
		return errResponse(req.RequestID, errKind)
	}
	return okResponse(req.RequestID, data)
}

func (c *Core) dispatch(ctx context.Context, conn sessionreg.Conn, id Identity, req Request) (interface{}, string) {
	switch req.Type {
	case "join":
		return c.handleJoinOrResume(ctx, conn, id, req.Payload, false)
	case "resumeSession":
		return c.handleJoinOrResume(ctx, conn, id, req.Payload, true)
	case "listProducers", "getRoomProducers":
		return c.handleListProducers(id, req.Payload)
	case "createTransport":
		return c.handleCreateTransport(ctx, id, req.Payload)
	case "connectTransport":
		return c.handleConnectTransport(ctx, id, req.Payload)
	case "produce":
		return c.handleProduce(ctx, id, req.Payload)
	case "consume":
		return c.handleConsume(ctx, id, req.Payload)
	case "pauseProducer":
		return c.handlePauseResumeProducer(ctx, id, req.Payload, true)
	case "resumeProducer":
		return c.handlePauseResumeProducer(ctx, id, req.Payload, false)
	case "pauseConsumer":
		return c.handlePauseResumeConsumer(ctx, id, req.Payload, true)
	case "resumeConsumer":
		return c.handlePauseResumeConsumer(ctx, id, req.Payload, false)
	default:
		return nil, errUnknownType
	}
}

// resolvePeer implements cross-cutting validation rule 1.
func (c *Core) resolvePeer(sessionID string) (*sessionreg.Peer, string) {
	if sessionID == "" {
		return nil, errInvalidSession
	}
	p, ok := c.Sessions.Lookup(sessionID)
	if !ok {
		return nil, errInvalidSession
	}
	return p, ""
}

// requireRoomBinding implements cross-cutting validation rule 2.
func requireRoomBinding(id Identity, payloadRoomID string) string {
	if payloadRoomID != "" && payloadRoomID != id.RoomID {
		return errRoomMismatch
	}
	return ""
}

// requireJoined implements cross-cutting validation rule 3.
func requireJoined(peer *sessionreg.Peer) string {
	if peer.RoomID() == "" {
		return errRoomNotJoined
	}
	return ""
}

type peerSummary struct {
	PeerID string `json:"peerId"`
}

type producerSummary struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
}

func producerSummaries(entries []room.ProducerEntry) []producerSummary {
	out := make([]producerSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, producerSummary{ProducerID: e.ProducerID, PeerID: e.PeerID, Kind: string(e.Kind)})
	}
	return out
}

func newSessionID() string {
	return uuid.NewString()
}
