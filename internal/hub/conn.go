// conn.go - Per-connection socket pumps.
// Copyright (C) 2025  SilentRelay authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
)

// Application close codes, in the private 4000 range.
const (
	CloseCodeSuperseded       = 4001
	CloseCodeHeartbeatTimeout = 4002
	CloseCodeRestarting       = 4003
	CloseCodeSlowConsumer     = 4004
	CloseCodePolicyViolation  = 4008
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 16
	sendQueueDepth = 256

	// Inbound frame budget per connection.
	bucketCapacity = 32
	bucketRefill   = 16 // frames per second
)

// Conn is one authenticated client connection.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	sess envelope.Session

	remoteAddr string

	sendCh  chan []byte
	closeCh chan struct{}

	closeOnce sync.Once
	closeCode int

	lastSeen atomic.Int64

	bucketMu     sync.Mutex
	bucketTokens float64
	bucketStamp  time.Time
}

func newConn(h *Hub, ws *websocket.Conn, sess envelope.Session, remoteAddr string) *Conn {
	c := &Conn{
		hub:          h,
		ws:           ws,
		sess:         sess,
		remoteAddr:   remoteAddr,
		sendCh:       make(chan []byte, sendQueueDepth),
		closeCh:      make(chan struct{}),
		bucketTokens: bucketCapacity,
		bucketStamp:  time.Now(),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// Session returns the connection's authenticated identity.
func (c *Conn) Session() envelope.Session { return c.sess }

// close tears the connection down exactly once.  The write pump sends
// the close frame so it never races an in-flight write.
func (c *Conn) close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closeCh)
	})
}

// trySend queues raw without blocking.  A full queue means the client
// stopped reading; the connection is closed rather than letting one
// slow socket stall fan-out to everyone else.
func (c *Conn) trySend(raw []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.sendCh <- raw:
		return true
	default:
		c.close(CloseCodeSlowConsumer)
		return false
	}
}

// allowFrame charges one token from the connection's inbound budget.
func (c *Conn) allowFrame() bool {
	c.bucketMu.Lock()
	defer c.bucketMu.Unlock()

	now := time.Now()
	c.bucketTokens += now.Sub(c.bucketStamp).Seconds() * bucketRefill
	if c.bucketTokens > bucketCapacity {
		c.bucketTokens = bucketCapacity
	}
	c.bucketStamp = now
	if c.bucketTokens < 1 {
		return false
	}
	c.bucketTokens--
	return true
}

func (c *Conn) readPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure)
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		if !c.allowFrame() {
			c.sendError("rate_limited", "inbound frame budget exceeded")
			continue
		}

		f, kind, err := envelope.ParseFrame(raw)
		if err != nil {
			c.sendError("malformed", err.Error())
			continue
		}

		err = c.hub.handler.OnFrame(context.Background(), c.sess, f, kind)
		switch {
		case err == nil:
			// Only a frame that survived validation counts as a sign
			// of life.
			c.lastSeen.Store(time.Now().UnixNano())
			if kind == envelope.KindHeartbeat {
				c.trySend(envelope.MustMarshal(&envelope.Frame{
					Type:      envelope.KindHeartbeatAck.String(),
					Timestamp: time.Now().UTC(),
				}))
			}
		case errors.Is(err, envelope.ErrSignatureMismatch):
			// An unverifiable frame on an authenticated connection is
			// treated as a hijack attempt; the connection dies.
			c.close(CloseCodePolicyViolation)
			return
		default:
			c.sendError("rejected", err.Error())
		}
	}
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case raw := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.closeCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, ""))
			return
		}
	}
}

func (c *Conn) sendError(code, detail string) {
	c.trySend(envelope.MustMarshal(&envelope.Frame{
		Type:      envelope.KindError.String(),
		Timestamp: time.Now().UTC(),
		Payload:   envelope.MustMarshal(map[string]string{"code": code, "detail": detail}),
	}))
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s/%s@%s", c.sess.UserID, c.sess.DeviceID, c.remoteAddr)
}
