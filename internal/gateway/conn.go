package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// sendBuffer bounds the per-connection outbound backlog.
const sendBuffer = 64

// Conn wraps one accepted websocket as a connreg.Transport. Outbound
// envelopes go through a buffered channel drained by a single write pump
// goroutine, so Send never blocks on the socket and callers may hold
// session or queue locks.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	send   chan arenadto.Envelope
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan arenadto.Envelope, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *Conn) ID() string { return c.id }

// Send enqueues one envelope for the write pump. A full buffer means the
// client stopped draining its socket; the connection is closed and the read
// loop runs the disconnect path.
func (c *Conn) Send(ctx context.Context, env arenadto.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	select {
	case c.send <- env:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close("send buffer overflow")
		return errSendBufferFull
	}
}

// writePump is the only goroutine that writes to the socket: frames stay
// whole, and a slow client stalls nobody but itself.
func (c *Conn) writePump() {
	for env := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err := wsjson.Write(ctx, c.ws, env)
		cancel()
		if err != nil {
			c.Close("write failure")
			return
		}
	}
}

// Close tears the socket down and releases the write pump. Used when a
// newer connection supersedes this one; the pending read unblocks and the
// read loop exits. The close handshake runs off the caller's goroutine, so
// Close never blocks a lock holder either.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	go func() { _ = c.ws.Close(websocket.StatusGoingAway, reason) }()
}
