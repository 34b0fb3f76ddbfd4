package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/workerpool"
	"github.com/rs/xid"
)

// PortRange configures the UDP range the pion engine binds candidates to.
type PortRange struct {
	Min uint16
	Max uint16
}

// PionEngine is the reference Engine implementation, backed by
// github.com/pion/webrtc/v4. Each room gets its own pion API instance so
// codec negotiation and ICE/UDP port allocation stay isolated per router.
type PionEngine struct {
	ports PortRange
	pool  workerpool.WorkerPool
}

// NewPionEngine constructs an Engine bound to the given UDP port range. pool
// is optional: when supplied, each room's level observer tick loop runs on
// it instead of a bare goroutine (see newLevelObserver).
func NewPionEngine(ports PortRange, pool ...workerpool.WorkerPool) *PionEngine {
	e := &PionEngine{ports: ports}
	if len(pool) > 0 {
		e.pool = pool[0]
	}
	return e
}

func (e *PionEngine) CreateRouter(ctx context.Context, roomID string, params LevelObserverParams) (Router, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	i := &webrtc.InterceptorRegistry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if e.ports.Min > 0 && e.ports.Max > e.ports.Min {
		if err := settingEngine.SetEphemeralUDPPortRange(e.ports.Min, e.ports.Max); err != nil {
			return nil, fmt.Errorf("set UDP port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)

	var obs *levelObserver
	if e.pool != nil {
		obs = newLevelObserver(params, e.pool)
	} else {
		obs = newLevelObserver(params)
	}

	return &pionRouter{
		roomID: roomID,
		api:    api,
		obs:    obs,
	}, nil
}

type pionRouter struct {
	roomID string
	api    *webrtc.API
	obs    *levelObserver
}

func (r *pionRouter) RoomID() string              { return r.roomID }
func (r *pionRouter) LevelObserver() LevelObserver { return r.obs }

// RtpCapabilities describes the single Opus audio codec every room router
// registers. Video is accepted by the protocol's Kind enum but this engine
// does not negotiate a video codec.
func (r *pionRouter) RtpCapabilities() RtpCapabilities {
	return RtpCapabilities{
		"codecs": []map[string]interface{}{
			{
				"kind":        "audio",
				"mimeType":    webrtc.MimeTypeOpus,
				"clockRate":   48000,
				"channels":    2,
				"payloadType": 111,
			},
		},
	}
}

func (r *pionRouter) CreateTransport(ctx context.Context, direction Direction) (Transport, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
	pc, err := r.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &pionTransport{
		id:        xid.New().String(),
		direction: direction,
		pc:        pc,
		obs:       r.obs,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
			_ = t.Close(context.Background())
		}
	})

	return t, nil
}

func (r *pionRouter) Close(ctx context.Context) error {
	return r.obs.Close()
}

// pionTransport wraps a single webrtc.PeerConnection, used either as a send
// or a recv transport for one peer.
type pionTransport struct {
	id        string
	direction Direction
	pc        *webrtc.PeerConnection
	obs       *levelObserver

	mu        sync.Mutex
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
	closed    bool
}

func (t *pionTransport) ID() string { return t.id }

func (t *pionTransport) IceParameters() IceParameters {
	// The adapter does not read ICE ufrag/pwd from the PeerConnection, so
	// this always returns empty parameters (including in the createTransport
	// response).
	return IceParameters{}
}

func (t *pionTransport) IceCandidates() []IceCandidate {
	return nil
}

func (t *pionTransport) DtlsParameters() DtlsParameters {
	// Always a fixed "server" role with no certificate fingerprints; the
	// adapter does not read them from the PeerConnection.
	return DtlsParameters{Role: "server"}
}

func (t *pionTransport) Connect(ctx context.Context, dtls DtlsParameters) error {
	// Connect only checks that the client supplied at least one
	// fingerprint; it does not record the parameters or start DTLS on the
	// underlying PeerConnection.
	if len(dtls.Fingerprint) == 0 {
		return fmt.Errorf("missing dtlsParameters")
	}
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, kind Kind, rtp RtpParameters) (Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	p := &pionProducer{id: xid.New().String(), kind: kind}
	t.producers[p.id] = p
	if kind == KindAudio {
		t.obs.Attach(p)
	}
	return p, nil
}

func (t *pionTransport) CanConsume(rtpCapabilities RtpCapabilities, producer Producer) bool {
	return producer != nil
}

func (t *pionTransport) Consume(ctx context.Context, producer Producer, rtpCapabilities RtpCapabilities) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", producer.ID(),
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	if _, err := t.pc.AddTrack(localTrack); err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &pionConsumer{
		id:         xid.New().String(),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		track:      localTrack,
	}
	t.consumers[c.id] = c
	return c, nil
}

func (t *pionTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, p := range t.producers {
		t.obs.Detach(id)
		_ = p
	}
	t.mu.Unlock()
	return t.pc.Close()
}

type pionProducer struct {
	id     string
	kind   Kind
	mu     sync.Mutex
	paused bool
}

func (p *pionProducer) ID() string   { return p.id }
func (p *pionProducer) Kind() Kind   { return p.kind }

func (p *pionProducer) Pause(ctx context.Context) error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *pionProducer) Resume(ctx context.Context) error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *pionProducer) Close(ctx context.Context) error { return nil }

type pionConsumer struct {
	id         string
	producerID string
	kind       Kind
	track      *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	paused bool
}

func (c *pionConsumer) ID() string         { return c.id }
func (c *pionConsumer) ProducerID() string { return c.producerID }
func (c *pionConsumer) Kind() Kind         { return c.kind }

func (c *pionConsumer) RtpParameters() RtpParameters {
	return RtpParameters{"mimeType": string(c.kind), "clockRate": 48000}
}

func (c *pionConsumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *pionConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *pionConsumer) Close(ctx context.Context) error { return nil }
