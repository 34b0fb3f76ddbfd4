package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"voicesfu/internal/media"
	"voicesfu/internal/room"
	"voicesfu/internal/sessionreg"
	"voicesfu/internal/signaling"
	"voicesfu/internal/token"
)

const testSecret = "test-secret"

func startTestServer(t *testing.T) string {
	t.Helper()

	sessions := sessionreg.New(25 * time.Second)
	rooms := room.NewRegistry(media.NewPionEngine(media.PortRange{}), media.DefaultLevelObserverParams())
	core := signaling.NewCore(sessions, rooms, nil)
	codec := token.NewCodec(testSecret)

	e := echo.New()
	NewHandler(core, codec, DefaultConfig(), nil).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func mintTestToken(t *testing.T, roomID, peerID, sessionID string) string {
	t.Helper()
	codec := token.NewCodec(testSecret)
	now := time.Now()
	tok, err := codec.Sign(token.Payload{
		RoomID:    roomID,
		PeerID:    peerID,
		SessionID: sessionID,
		JTI:       roomID + "-" + peerID + "-" + sessionID + "-" + now.String(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestRejectsMissingToken(t *testing.T) {
	wsURL := startTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	if err == nil {
		defer conn.Close()
	}
	_ = resp
	// The handshake itself succeeds at the HTTP upgrade layer; the close
	// frame with code 1008 arrives immediately after on the message stream.
	if conn == nil {
		t.Fatal("expected upgrade to succeed before the close frame")
	}
	_, _, readErr := conn.ReadMessage()
	if !websocket.IsCloseError(readErr, 1008) {
		t.Fatalf("expected close code 1008, got %v", readErr)
	}
}

func TestAcceptsValidTokenAndServesWelcome(t *testing.T) {
	wsURL := startTestServer(t)
	tok := mintTestToken(t, "r1", "p1", "s1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var welcome map[string]interface{}
	readJSONWithin(t, conn, &welcome, 2*time.Second)
	if welcome["type"] != "welcome" || welcome["peerId"] != "p1" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
}

func TestJoinRoundTrip(t *testing.T) {
	wsURL := startTestServer(t)
	tok := mintTestToken(t, "r1", "p1", "s1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var welcome map[string]interface{}
	readJSONWithin(t, conn, &welcome, 2*time.Second)

	req := map[string]interface{}{
		"type":      "join",
		"requestId": 1,
		"payload":   map[string]string{"roomId": "r1", "sessionId": "s1"},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write join: %v", err)
	}

	var gotResponse, gotWelcomeAgain bool
	deadline := time.Now().Add(2 * time.Second)
	for !gotResponse && time.Now().Before(deadline) {
		var msg map[string]interface{}
		readJSONWithin(t, conn, &msg, 2*time.Second)
		switch msg["type"] {
		case "response":
			if msg["ok"] != true {
				t.Fatalf("join failed: %+v", msg)
			}
			gotResponse = true
		case "welcome":
			gotWelcomeAgain = true
		}
	}
	if !gotResponse {
		t.Fatal("expected a join response")
	}
	_ = gotWelcomeAgain
}

func readJSONWithin(t *testing.T, conn *websocket.Conn, v interface{}, timeout time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("timed out waiting for message")
		}
		t.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
}
