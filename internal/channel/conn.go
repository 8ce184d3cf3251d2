// ABOUTME: Transport abstraction for duplex channels.
// ABOUTME: Wraps gorilla websocket connections and offers an in-memory pipe for tests.

package channel

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by a Conn after Close has been called.
var ErrConnClosed = errors.New("connection closed")

// Conn is the minimal framed transport a channel runs over.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection fails.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one frame. Safe for use by a single writer at a time.
	WriteMessage(data []byte) error

	// Close tears down the transport. Idempotent.
	Close() error
}

// wsConn adapts a gorilla websocket connection to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

// NewWebsocketConn wraps an upgraded websocket connection.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// pipeConn is one end of an in-memory duplex connection.
type pipeConn struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed chan struct{}
	peer   *pipeConn
}

// Pipe returns two connected in-memory Conns. Frames written on one end are
// read from the other in order. Closing either end fails reads on both.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)

	a := &pipeConn{in: b2a, out: a2b, closed: make(chan struct{})}
	b := &pipeConn{in: a2b, out: b2a, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-c.peer.closed:
		// Drain frames sent before the peer closed.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, ErrConnClosed
		}
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case <-c.peer.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-c.peer.closed:
		return ErrConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
