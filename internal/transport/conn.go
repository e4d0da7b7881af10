package transport

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// ErrClosed reports a read or write on a connection the other side closed.
var ErrClosed = errors.New("transport: connection closed")

const closeGracePeriod = time.Second

// wsConn wraps gorilla/websocket.Conn to implement Conn.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn adapts an upgraded or dialed gorilla connection.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadJSON(v interface{}) error {
	err := c.conn.ReadJSON(v)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errors.Mark(err, ErrClosed)
	}
	return err
}

func (c *wsConn) WriteJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}
