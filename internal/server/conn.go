package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	sendDepth    = 256
	writeTimeout = 10 * time.Second
)

// wsConn adapts a websocket connection to session.Conn: writes go through a
// buffered channel drained by a single write pump, so Send never blocks a
// broadcast.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, send: make(chan []byte, sendDepth)}
	go c.writePump()
	return c
}

// Send queues a frame for the write pump. A full buffer means the client is
// not keeping up and the connection is reported dead.
func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close also closes the underlying socket so a blocked read loop or write
// unwinds immediately, e.g. when the timeout sweep drops the session.
func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
}

func (c *wsConn) writePump() {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
	c.conn.Close()
}
