// Package signaling implements the request dispatcher (C5) and the
// connection-facing event shapes broadcast by the event broadcaster (C6).
package signaling

import "encoding/json"

// Request is the envelope every inbound client message must match.
type Request struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// Response is the envelope returned for exactly one matching Request.
type Response struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId"`
	OK        bool            `json:"ok"`
	Data      interface{}     `json:"data,omitempty"`
}

func okResponse(requestID json.RawMessage, data interface{}) Response {
	return Response{Type: "response", RequestID: requestID, OK: true, Data: data}
}

func errResponse(requestID json.RawMessage, errKind string) Response {
	return Response{Type: "response", RequestID: requestID, OK: false, Data: map[string]string{"error": errKind}}
}

// WelcomeEvent is pushed unsolicited on accept and again after a successful
// join/resumeSession, at which point it additionally carries the room's
// current membership and producer snapshot.
type WelcomeEvent struct {
	Type              string            `json:"type"`
	PeerID            string            `json:"peerId"`
	SessionID         string            `json:"sessionId,omitempty"`
	Hint              string            `json:"hint,omitempty"`
	ExistingPeers     []peerSummary     `json:"existingPeers,omitempty"`
	ExistingProducers []producerSummary `json:"existingProducers,omitempty"`
}

func newWelcome(peerID, sessionID, hint string) WelcomeEvent {
	return WelcomeEvent{Type: "welcome", PeerID: peerID, SessionID: sessionID, Hint: hint}
}

// PeerJoinedEvent is broadcast when a peer joins or re-enters a room.
type PeerJoinedEvent struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

func peerJoinedEvent(peerID string) PeerJoinedEvent {
	return PeerJoinedEvent{Type: "peerJoined", PeerID: peerID}
}

// PeerLeftEvent is broadcast on final peer destruction.
type PeerLeftEvent struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

func peerLeftEvent(peerID string) PeerLeftEvent {
	return PeerLeftEvent{Type: "peerLeft", PeerID: peerID}
}

// NewProducerEvent is broadcast to other room members after a successful
// produce.
type NewProducerEvent struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
}

func newProducerEvent(producerID, peerID, kind string) NewProducerEvent {
	return NewProducerEvent{Type: "newProducer", ProducerID: producerID, PeerID: peerID, Kind: kind}
}

// ProducerClosedEvent is broadcast only during final peer destruction.
type ProducerClosedEvent struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
}

func producerClosedEvent(producerID, peerID, kind string) ProducerClosedEvent {
	return ProducerClosedEvent{Type: "producerClosed", ProducerID: producerID, PeerID: peerID, Kind: kind, Reason: "left"}
}
