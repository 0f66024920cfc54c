// Package hub holds the connection-facing plumbing of the dispatch hub:
// the connection registry, session rooms, offer timers, the liveness
// monitor and the inbound frame router. None of it knows about
// websockets beyond the Conn wrapper, so everything is testable with
// in-memory fakes.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-hub/internal/protocol"
)

// ErrMalformedFrame marks an inbound message that is not valid frame
// JSON. The connection itself is fine; the read loop answers with an
// error frame and keeps going.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn is one live actor connection. Implementations must serialize
// writes internally; Send is called from many goroutines.
type Conn interface {
	Send(f protocol.Frame) error
	Ping() error
	Close() error
	// Alive reports whether the connection answered the previous
	// liveness probe. MarkUnconfirmed starts a new probe round.
	Alive() bool
	MarkUnconfirmed()
}

const writeWait = 5 * time.Second

// WSConn wraps a gorilla websocket connection with a write mutex and
// the liveness flag the monitor flips each probe round.
type WSConn struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	alive atomic.Bool
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{conn: conn}
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *WSConn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *WSConn) Close() error { return c.conn.Close() }

func (c *WSConn) Alive() bool { return c.alive.Load() }

func (c *WSConn) MarkUnconfirmed() { c.alive.Store(false) }

// MarkAlive is called by the read loop as well: any inbound frame
// counts as proof of life, not only pong control frames.
func (c *WSConn) MarkAlive() { c.alive.Store(true) }

// ReadFrame blocks for the next inbound frame. A message that arrives
// but fails to parse returns ErrMalformedFrame; any other error is the
// connection itself failing.
func (c *WSConn) ReadFrame() (protocol.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	// the message arrived, so the peer is alive even if it sent garbage
	c.MarkAlive()
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}
