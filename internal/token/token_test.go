package token

import (
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", SessionID: "s1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1060}

	tok, err := c.Sign(p)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1005, 0)})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1060}
	tok, _ := c.Sign(p)

	tampered := tok[:len(tok)-2] + "xx"
	_, err := c.Verify(tampered, VerifyOptions{Now: time.Unix(1005, 0)})
	if kind, ok := AsFailure(err); !ok || kind != FailBadSig {
		t.Fatalf("expected bad_sig, got %v", err)
	}
}

func TestVerifyBadFormat(t *testing.T) {
	c := NewCodec("test-secret")
	_, err := c.Verify("not-a-token", VerifyOptions{Now: time.Unix(1005, 0)})
	if kind, ok := AsFailure(err); !ok || kind != FailBadFormat {
		t.Fatalf("expected bad_format, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1060}
	tok, _ := c.Sign(p)

	// exp == now is rejected.
	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1060, 0)}); err == nil {
		t.Fatal("expected expired rejection at exp==now")
	} else if kind, _ := AsFailure(err); kind != FailExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestVerifyIatClockSkew(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1030, ExpiresAt: 2000}
	tok, _ := c.Sign(p)

	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1000, 0)}); err != nil {
		t.Fatalf("iat exactly now+30 should be accepted, got %v", err)
	}

	p2 := Payload{RoomID: "r1", PeerID: "p1", JTI: "j2", IssuedAt: 1031, ExpiresAt: 2000}
	tok2, _ := c.Sign(p2)
	if _, err := c.Verify(tok2, VerifyOptions{Now: time.Unix(1000, 0)}); err == nil {
		t.Fatal("iat of now+31 should be rejected")
	} else if kind, _ := AsFailure(err); kind != FailIatInFuture {
		t.Fatalf("expected iat_in_future, got %v", err)
	}
}

func TestVerifyIdentityBinding(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1060}
	tok, _ := c.Sign(p)

	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1005, 0), ExpectRoomID: "r2"}); err == nil {
		t.Fatal("expected roomId mismatch")
	} else if kind, _ := AsFailure(err); kind != FailRoomIDMismatch {
		t.Fatalf("expected roomId_mismatch, got %v", err)
	}

	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1005, 0), ExpectPeerID: "p2"}); err == nil {
		t.Fatal("expected peerId mismatch")
	} else if kind, _ := AsFailure(err); kind != FailPeerIDMismatch {
		t.Fatalf("expected peerId_mismatch, got %v", err)
	}
}

func TestVerifyReplay(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1060}
	tok, _ := c.Sign(p)

	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1005, 0), ConsumeJTI: true}); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1006, 0), ConsumeJTI: true}); err == nil {
		t.Fatal("expected replay rejection")
	} else if kind, _ := AsFailure(err); kind != FailReplayed {
		t.Fatalf("expected replayed, got %v", err)
	}
}

func TestNonceReapedAfterExpiry(t *testing.T) {
	c := NewCodec("test-secret")
	p := Payload{RoomID: "r1", PeerID: "p1", JTI: "j1", IssuedAt: 1000, ExpiresAt: 1010}
	tok, _ := c.Sign(p)

	if _, err := c.Verify(tok, VerifyOptions{Now: time.Unix(1005, 0), ConsumeJTI: true}); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}

	// A fresh token reusing the same jti, once the original has expired,
	// still fails on exp (it shares the exp), so we only assert the nonce
	// table itself was reaped and no longer blocks re-insertion internally.
	c.mu.Lock()
	c.reapLocked(2000)
	_, stillTracked := c.nonces["j1"]
	c.mu.Unlock()
	if stillTracked {
		t.Fatal("expected nonce to be reaped past its exp")
	}
}
