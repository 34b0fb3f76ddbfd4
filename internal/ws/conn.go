package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// conn adapts a *websocket.Conn to the sessionreg.Conn interface the
// signaling core uses to reach a live connection. Writes are funneled
// through a buffered channel drained by a single writer goroutine so that
// concurrent broadcasters (running from other connections' handler
// goroutines) never call WriteJSON directly against the same socket.
type conn struct {
	ws   *websocket.Conn
	out  chan interface{}
	done chan struct{}

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, outBuf int) *conn {
	return &conn{
		ws:   ws,
		out:  make(chan interface{}, outBuf),
		done: make(chan struct{}),
	}
}

// Send enqueues v for delivery. It never blocks: a full outbound buffer
// means the client is not draining fast enough, and the caller (the event
// broadcaster, or the dispatcher replying to a request) must not stall on a
// single slow peer.
func (c *conn) Send(v interface{}) error {
	select {
	case c.out <- v:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close sends a close frame carrying code/reason and tears down the writer
// loop. Safe to call more than once.
func (c *conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// writeLoop drains the outbound channel until the connection is closed or a
// write fails, at which point it tears down the socket so the read loop
// observes the error and unwinds.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// requestIDPeek extracts just the requestId field from a raw inbound
// message, used to shape a rate_limited response without running the
// message through the full dispatcher.
func requestIDPeek(raw []byte) json.RawMessage {
	var peek struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	_ = json.Unmarshal(raw, &peek)
	return peek.RequestID
}
