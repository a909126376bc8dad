package internal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameSize    = 8192
	sendBufferSize  = 256
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 10
)

// AuthenticatedUser is the identity resolved once at the transport layer
// from the connection's token and threaded explicitly into every event
// handler.
type AuthenticatedUser struct {
	ID             int64
	Username       string
	DisplayName    string
	ProfilePicture string
}

// Conn wraps a single websocket connection, bound to one authenticated user
// for its whole lifetime. The engine only ever touches the send queue; the
// socket itself is private to the two pump goroutines.
type Conn struct {
	user *AuthenticatedUser
	sock *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce    sync.Once
	teardownOnce sync.Once

	frameTimes []time.Time
}

func newConn(user *AuthenticatedUser, sock *websocket.Conn) *Conn {
	return &Conn{
		user:       user,
		sock:       sock,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
		frameTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

// User returns the identity bound to this connection, nil if the handshake
// never authenticated (such a connection is rejected on its first event).
func (c *Conn) User() *AuthenticatedUser { return c.user }

func (c *Conn) UserID() int64 {
	if c.user == nil {
		return 0
	}
	return c.user.ID
}

// closed reports whether the connection has been shut down.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// trySend enqueues a frame without blocking. Reports false when the buffer
// is full, which the hub treats as a dead or hopelessly slow peer. The send
// channel is never closed, so enqueueing races with close are safe; frames
// queued after shutdown are simply never written.
func (c *Conn) trySend(frame []byte) bool {
	if c.closed() {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendEvent marshals and enqueues a single event for this connection only.
func (c *Conn) sendEvent(event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	if !c.trySend(frame) {
		c.close()
	}
}

// close signals shutdown exactly once; the write pump notices and tears the
// socket down, which in turn unblocks the read pump.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump decodes inbound frames and hands them to the engine. On any read
// error it runs disconnect teardown and exits.
func (c *Conn) readPump(engine *Engine) {
	defer func() {
		engine.Disconnect(c)
		if c.sock != nil {
			_ = c.sock.Close()
		}
	}()
	c.sock.SetReadLimit(maxFrameSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			// normal close or read error; deferred teardown runs
			return
		}
		now := time.Now()
		if !c.allowFrame(now) {
			c.sendEvent(EventError, errorPayload{Message: "You're sending events too quickly. Please slow down."})
			continue
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			c.sendEvent(EventError, errorPayload{Message: "Malformed event frame"})
			continue
		}
		engine.Dispatch(c, env)
	}
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if c.sock != nil {
			_ = c.sock.Close()
		}
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// allowFrame applies a sliding-window rate limit to inbound frames.
func (c *Conn) allowFrame(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range c.frameTimes {
		if ts.After(cutoff) {
			c.frameTimes[idx] = ts
			idx++
		}
	}
	c.frameTimes = c.frameTimes[:idx]
	if len(c.frameTimes) >= rateLimitBurst {
		return false
	}
	c.frameTimes = append(c.frameTimes, now)
	return true
}
