// Package media defines the narrow interface the signaling core uses to
// drive an external media engine, and a concrete pion/webrtc/v4-backed
// implementation of it. The signaling core never reaches past this
// interface into engine internals.
package media

import "context"

// Kind is a producer/consumer media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Direction names a peer's transport slot.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// IceParameters, IceCandidate and DtlsParameters carry the wire-format
// connection material exchanged with clients during createTransport /
// connectTransport. Field shapes follow the mediasoup-style contract named
// in the protocol design.
type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Protocol   string `json:"protocol"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DtlsParameters struct {
	Role        string          `json:"role"`
	Fingerprint []DtlsFingerprint `json:"fingerprints"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// RtpParameters is an opaque, engine-specific blob the client and server
// exchange verbatim; the adapter does not need to interpret its contents
// beyond forwarding them to the engine.
type RtpParameters map[string]interface{}

// RtpCapabilities is the same kind of opaque blob, describing what codecs a
// participant can send or receive.
type RtpCapabilities map[string]interface{}

// Producer is a single outbound RTP stream owned by one peer.
type Producer interface {
	ID() string
	Kind() Kind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
}

// Consumer is a single inbound RTP stream forwarding a remote Producer to a
// local peer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RtpParameters() RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
}

// Transport is one ICE/DTLS connection belonging to a peer, used either to
// send (produce) or receive (consume) media.
type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	Connect(ctx context.Context, dtls DtlsParameters) error
	Produce(ctx context.Context, kind Kind, rtp RtpParameters) (Producer, error)
	CanConsume(rtpCapabilities RtpCapabilities, producer Producer) bool
	Consume(ctx context.Context, producer Producer, rtpCapabilities RtpCapabilities) (Consumer, error)
	Close(ctx context.Context) error
}

// LevelObserver drives producerSpeaking ticks for one room. Listen
// registers a callback invoked with the active producer ids on each
// "volumes" tick, or nil on a "silence" tick.
type LevelObserver interface {
	Listen(func(activeProducerIDs []string, tickIsSilence bool))
	// Attach registers an audio producer so its levels are sampled.
	Attach(p Producer)
	// Detach removes a producer from sampling.
	Detach(producerID string)
	Close() error
}

// LevelObserverParams configures a room's level observer.
type LevelObserverParams struct {
	MaxEntries int
	ThresholdDBFS float64
	Interval      int // milliseconds
}

// DefaultLevelObserverParams returns the parameters the room registry uses
// for every room.
func DefaultLevelObserverParams() LevelObserverParams {
	return LevelObserverParams{MaxEntries: 10, ThresholdDBFS: -80, Interval: 100}
}

// Router is the per-room handle into the media engine: it mints transports
// and owns the room's level observer.
type Router interface {
	RoomID() string
	CreateTransport(ctx context.Context, direction Direction) (Transport, error)
	LevelObserver() LevelObserver
	// RtpCapabilities describes what codecs this router's media engine
	// negotiates, handed to joining clients so they can shape their own
	// offers/answers.
	RtpCapabilities() RtpCapabilities
	Close(ctx context.Context) error
}

// Engine constructs routers. One Engine instance is shared by the whole
// process; it is the adapter's entry point.
type Engine interface {
	CreateRouter(ctx context.Context, roomID string, params LevelObserverParams) (Router, error)
}
