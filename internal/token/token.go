// Package token mints and verifies the signaling core's capability tokens.
//
// A token is a two-segment string "<payloadB64>.<sigB64>", both segments
// URL-safe base64 without padding. The signature is HMAC-SHA256 of the
// payload segment under a process-wide shared secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// clockSkew is the tolerance applied to a token's iat field.
const clockSkew = 30 * time.Second

// Payload is the signed claim set bound to a connection.
type Payload struct {
	RoomID    string `json:"roomId"`
	PeerID    string `json:"peerId"`
	SessionID string `json:"sessionId,omitempty"`
	JTI       string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Failure is one of the verification failure kinds named in the protocol
// design. The string value is carried verbatim in websocket close reasons
// and in the CLI's verify-token output.
type Failure string

const (
	FailBadFormat        Failure = "bad_format"
	FailBadSig           Failure = "bad_sig"
	FailNoRoomID         Failure = "no_roomId"
	FailNoPeerID         Failure = "no_peerId"
	FailNoJTI            Failure = "no_jti"
	FailNoIat            Failure = "no_iat"
	FailNoExp            Failure = "no_exp"
	FailExpired          Failure = "expired"
	FailIatInFuture      Failure = "iat_in_future"
	FailRoomIDMismatch   Failure = "roomId_mismatch"
	FailPeerIDMismatch   Failure = "peerId_mismatch"
	FailSessionIDMismatch Failure = "sessionId_mismatch"
	FailReplayed         Failure = "replayed"
)

// VerifyError reports a failed verification with its failure kind.
type VerifyError struct {
	Kind Failure
}

func (e *VerifyError) Error() string { return string(e.Kind) }

func fail(kind Failure) error { return &VerifyError{Kind: kind} }

// AsFailure extracts the Failure kind from err, if any.
func AsFailure(err error) (Failure, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

// nonceEntry records a consumed jti until its token's exp passes.
type nonceEntry struct {
	expiresAt int64
}

// Codec mints and verifies tokens and tracks consumed single-use nonces.
type Codec struct {
	secret []byte

	mu     sync.Mutex
	nonces map[string]nonceEntry
}

// NewCodec constructs a Codec using secret as the HMAC key.
func NewCodec(secret string) *Codec {
	return &Codec{
		secret: []byte(secret),
		nonces: make(map[string]nonceEntry),
	}
}

// Sign encodes payload and returns the signed token string.
func (c *Codec) Sign(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(raw)
	sig := c.signature(payloadB64)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)
	return payloadB64 + "." + sigB64, nil
}

func (c *Codec) signature(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// VerifyOptions constrains verification to caller-expected binding fields.
type VerifyOptions struct {
	ExpectRoomID    string
	ExpectPeerID    string
	ExpectSessionID string
	ConsumeJTI      bool
	Now             time.Time
}

// Verify checks a token's format, signature, field presence, timing, and
// optional identity bindings, in the strict order the protocol mandates.
// When opts.ConsumeJTI is set, a successful verification records the jti as
// spent until its exp.
func (c *Codec) Verify(tok string, opts VerifyOptions) (Payload, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowUnix := now.Unix()

	c.mu.Lock()
	c.reapLocked(nowUnix)
	c.mu.Unlock()

	segs := strings.Split(tok, ".")
	if len(segs) != 2 {
		return Payload{}, fail(FailBadFormat)
	}
	payloadB64, sigB64 := segs[0], segs[1]

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Payload{}, fail(FailBadFormat)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Payload{}, fail(FailBadFormat)
	}

	want := c.signature(payloadB64)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return Payload{}, fail(FailBadSig)
	}

	var raw2 map[string]interface{}
	if err := json.Unmarshal(raw, &raw2); err != nil {
		return Payload{}, fail(FailBadFormat)
	}
	if err := requireFields(raw2); err != nil {
		return Payload{}, err
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fail(FailBadFormat)
	}

	if p.ExpiresAt <= nowUnix {
		return Payload{}, fail(FailExpired)
	}
	if p.IssuedAt > nowUnix+int64(clockSkew.Seconds()) {
		return Payload{}, fail(FailIatInFuture)
	}

	if opts.ExpectRoomID != "" && p.RoomID != opts.ExpectRoomID {
		return Payload{}, fail(FailRoomIDMismatch)
	}
	if opts.ExpectPeerID != "" && p.PeerID != opts.ExpectPeerID {
		return Payload{}, fail(FailPeerIDMismatch)
	}
	if opts.ExpectSessionID != "" && p.SessionID != opts.ExpectSessionID {
		return Payload{}, fail(FailSessionIDMismatch)
	}

	if opts.ConsumeJTI {
		c.mu.Lock()
		if _, seen := c.nonces[p.JTI]; seen {
			c.mu.Unlock()
			return Payload{}, fail(FailReplayed)
		}
		c.nonces[p.JTI] = nonceEntry{expiresAt: p.ExpiresAt}
		c.mu.Unlock()
	}

	return p, nil
}

// reapLocked evicts nonces past their exp. Caller holds c.mu.
func (c *Codec) reapLocked(nowUnix int64) {
	for jti, entry := range c.nonces {
		if entry.expiresAt <= nowUnix {
			delete(c.nonces, jti)
		}
	}
}

func requireFields(m map[string]interface{}) error {
	if _, ok := m["roomId"].(string); !ok {
		return fail(FailNoRoomID)
	}
	if _, ok := m["peerId"].(string); !ok {
		return fail(FailNoPeerID)
	}
	if _, ok := m["jti"].(string); !ok {
		return fail(FailNoJTI)
	}
	if _, ok := m["iat"].(float64); !ok {
		return fail(FailNoIat)
	}
	if _, ok := m["exp"].(float64); !ok {
		return fail(FailNoExp)
	}
	return nil
}
