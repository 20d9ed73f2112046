package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientConn wraps one websocket connection with a write lock: the reader
// loop, the pinger and room broadcasts all write concurrently.
type clientConn struct {
	rawConn *websocket.Conn
	mu      sync.Mutex
}

func (c *clientConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data)
}

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteJSON(v)
}

// Send implements collab.Sink: server-initiated events share the envelope
// format with request/ack traffic.
func (c *clientConn) Send(event string, body any) error {
	return c.writeJSON(map[string]any{"event": event, "body": body})
}

// Close implements collab.Sink.
func (c *clientConn) Close(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.write(websocket.CloseMessage, msg)
	_ = c.rawConn.Close()
}

func (c *clientConn) ping() error {
	return c.write(websocket.PingMessage, nil)
}
