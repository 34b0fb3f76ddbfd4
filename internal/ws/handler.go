// Package ws implements the connection supervisor (C7): it accepts
// websocket connections, validates the handshake token, drives the welcome
// and request/response pump, and hands off to the session registry's grace
// timer on disconnect.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"voicesfu/internal/signaling"
	"voicesfu/internal/token"
)

const outboundBuffer = 64

// Config tunes the connection supervisor's operational limits.
type Config struct {
	// PerConnRate and PerConnBurst bound how many request messages a single
	// connection may submit per second before it is rate-limited (requests
	// are answered with ok:false, the connection is never closed for this).
	PerConnRate  float64
	PerConnBurst int
}

// DefaultConfig returns the supervisor's default per-connection limits.
func DefaultConfig() Config {
	return Config{PerConnRate: 50, PerConnBurst: 50}
}

// Handler owns the websocket transport for the signaling core.
type Handler struct {
	core     *signaling.Core
	codec    *token.Codec
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler binds a websocket handler over core, authenticating connections
// with codec.
func NewHandler(core *signaling.Core, codec *token.Codec, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		core:   core,
		codec:  codec,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	tokenStr := c.QueryParam("token")

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "remote", remote, "error", err)
		return err
	}
	h.serveConn(ws, remote, tokenStr)
	return nil
}

func (h *Handler) serveConn(ws *websocket.Conn, remote, tokenStr string) {
	defer ws.Close()
	ws.SetReadLimit(1 << 20)

	if tokenStr == "" {
		h.rejectHandshake(ws, remote, token.FailBadFormat)
		return
	}

	payload, err := h.codec.Verify(tokenStr, token.VerifyOptions{ConsumeJTI: true})
	if err != nil {
		kind, ok := token.AsFailure(err)
		if !ok {
			kind = token.FailBadFormat
		}
		h.rejectHandshake(ws, remote, kind)
		return
	}

	id := signaling.Identity{RoomID: payload.RoomID, PeerID: payload.PeerID, SessionID: payload.SessionID}

	c := newConn(ws, outboundBuffer)
	go c.writeLoop()
	defer c.Close(websocket.CloseNormalClosure, "")

	if err := h.core.HandleAccept(c, id); err != nil {
		h.logger.Debug("welcome send failed", "peer_id", id.PeerID, "error", err)
		return
	}
	h.logger.Info("ws connected", "room_id", id.RoomID, "peer_id", id.PeerID, "remote", remote)

	defer h.core.HandleDisconnect(c)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.PerConnRate), h.cfg.PerConnBurst)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws unexpected close", "peer_id", id.PeerID, "error", err)
			}
			return
		}

		if !limiter.Allow() {
			_ = c.Send(map[string]interface{}{
				"type":      "response",
				"requestId": requestIDPeek(raw),
				"ok":        false,
				"data":      map[string]string{"error": "rate_limited"},
			})
			continue
		}

		resp := h.core.HandleMessage(context.Background(), c, id, raw)
		_ = c.Send(resp)
	}
}

// rejectHandshake closes a connection whose token failed verification.
// Token failures are the only path that terminates a connection (§7); no
// reply is sent on the channel itself.
func (h *Handler) rejectHandshake(ws *websocket.Conn, remote string, kind token.Failure) {
	h.logger.Info("ws handshake rejected", "remote", remote, "reason", kind)
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := websocket.FormatCloseMessage(1008, string(kind))
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
