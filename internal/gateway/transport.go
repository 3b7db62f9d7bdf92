package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// transport adapts a websocket connection to room.Transport.
type transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *transport {
	return &transport{conn: conn, writeTimeout: writeTimeout}
}

func (t *transport) Send(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame carrying reason and tears the socket down, which
// also unblocks a pending Send and the read loop.
func (t *transport) Close(reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case "slow consumer":
		code = websocket.ClosePolicyViolation
	case "server shutting down":
		code = websocket.CloseGoingAway
	}
	t.closeWith(code, reason)
}

func (t *transport) closeWith(code int, reason string) {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		_ = t.conn.Close()
	})
}
