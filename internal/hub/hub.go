// hub.go - The node-local connection registry.
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

// Package hub tracks the live client connections a node owns and fans
// frames out to them.  Registration is keyed (user, device); a new
// connection for an already-registered device supersedes the old one.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
)

const numShards = 16

// FrameHandler consumes inbound client frames.  The envelope pipeline
// implements it.
type FrameHandler interface {
	OnFrame(ctx context.Context, sess envelope.Session, f *envelope.Frame, kind envelope.Kind) error
	DrainInbox(ctx context.Context, sess envelope.Session) error
}

// PresenceSink learns about device arrivals and departures.  The
// cluster bridge implements it to keep the shared presence directory
// current.
type PresenceSink interface {
	DeviceOnline(ctx context.Context, userID, deviceID uuid.UUID) error
	DeviceOffline(ctx context.Context, userID, deviceID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID, deviceID uuid.UUID) error
}

type shard struct {
	sync.RWMutex
	users map[uuid.UUID]map[uuid.UUID]*Conn
}

// Hub is the sharded connection registry plus its liveness sweeper.
type Hub struct {
	worker.Worker

	log      *logging.Logger
	handler  FrameHandler
	presence PresenceSink
	auditLog *audit.Log

	shards [numShards]*shard

	heartbeatInterval time.Duration
}

// New constructs a Hub and starts the heartbeat sweep worker.
func New(log *logging.Logger, handler FrameHandler, presence PresenceSink, auditLog *audit.Log, heartbeatInterval time.Duration) *Hub {
	h := &Hub{
		log:               log,
		handler:           handler,
		presence:          presence,
		auditLog:          auditLog,
		heartbeatInterval: heartbeatInterval,
	}
	for i := range h.shards {
		h.shards[i] = &shard{users: make(map[uuid.UUID]map[uuid.UUID]*Conn)}
	}
	h.Go(h.sweepWorker)
	return h
}

// SetHandler wires the frame handler after construction; the hub and
// the pipeline reference each other, so one side is set late.
func (h *Hub) SetHandler(handler FrameHandler) { h.handler = handler }

func (h *Hub) shardFor(userID uuid.UUID) *shard {
	return h.shards[userID[0]%numShards]
}

// Attach registers a freshly upgraded socket, starts its pumps and
// replays the user's offline inbox to it.
func (h *Hub) Attach(ws *websocket.Conn, sess envelope.Session, remoteAddr string) {
	c := newConn(h, ws, sess, remoteAddr)

	s := h.shardFor(sess.UserID)
	s.Lock()
	devices := s.users[sess.UserID]
	if devices == nil {
		devices = make(map[uuid.UUID]*Conn)
		s.users[sess.UserID] = devices
	}
	old := devices[sess.DeviceID]
	devices[sess.DeviceID] = c
	s.Unlock()

	if old != nil {
		// Same device reconnected; the older socket is stale.
		old.close(CloseCodeSuperseded)
		h.auditLog.Submit(audit.Event{
			Type:     audit.EventConnectionEvicted,
			Severity: audit.SeverityInfo,
			Identity: sess.UserID.String(),
			Message:  fmt.Sprintf("device %s superseded by reconnect from %s", sess.DeviceID, remoteAddr),
		})
	}

	instrument.ConnectionsInc()
	h.log.Debugf("attached %s", c)

	go c.writePump()
	go c.readPump()

	if err := h.presence.DeviceOnline(context.Background(), sess.UserID, sess.DeviceID); err != nil {
		h.log.Warningf("presence online for %s: %v", c, err)
	}
	go func() {
		if err := h.handler.DrainInbox(context.Background(), sess); err != nil {
			h.log.Warningf("inbox drain for %s: %v", c, err)
		}
	}()
}

// unregister removes c from the registry, unless the slot was already
// taken over by a superseding connection.
func (h *Hub) unregister(c *Conn) {
	s := h.shardFor(c.sess.UserID)
	s.Lock()
	devices := s.users[c.sess.UserID]
	superseded := devices == nil || devices[c.sess.DeviceID] != c
	if !superseded {
		delete(devices, c.sess.DeviceID)
		if len(devices) == 0 {
			delete(s.users, c.sess.UserID)
		}
	}
	s.Unlock()

	instrument.ConnectionsDec()
	h.log.Debugf("detached %s", c)
	if superseded {
		// The replacement connection owns the presence entry now.
		return
	}
	if err := h.presence.DeviceOffline(context.Background(), c.sess.UserID, c.sess.DeviceID); err != nil {
		h.log.Warningf("presence offline for %s: %v", c, err)
	}
}

// SendToUser writes raw to every live device of userID, returning the
// device IDs that accepted the frame.  A dead or stalled socket only
// loses its own copy.
func (h *Hub) SendToUser(userID uuid.UUID, raw []byte) []uuid.UUID {
	s := h.shardFor(userID)
	s.RLock()
	conns := make([]*Conn, 0, len(s.users[userID]))
	for _, c := range s.users[userID] {
		conns = append(conns, c)
	}
	s.RUnlock()

	var reached []uuid.UUID
	for _, c := range conns {
		if c.trySend(raw) {
			reached = append(reached, c.sess.DeviceID)
		}
	}
	return reached
}

// SendToDevice writes raw to a single device.
func (h *Hub) SendToDevice(userID, deviceID uuid.UUID, raw []byte) bool {
	s := h.shardFor(userID)
	s.RLock()
	c := s.users[userID][deviceID]
	s.RUnlock()
	if c == nil {
		return false
	}
	return c.trySend(raw)
}

// IsLocallyOnline reports whether any device of userID is connected to
// this node.
func (h *Hub) IsLocallyOnline(userID uuid.UUID) bool {
	s := h.shardFor(userID)
	s.RLock()
	defer s.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	n := 0
	for _, s := range h.shards {
		s.RLock()
		for _, devices := range s.users {
			n += len(devices)
		}
		s.RUnlock()
	}
	return n
}

// sweepWorker evicts connections that missed their heartbeat deadline
// and re-asserts the presence directory entries of the survivors, so
// the directory TTL only expires entries whose node went away.  The
// deadline is two intervals, so one lost heartbeat is forgiven.
func (h *Hub) sweepWorker() {
	t := time.NewTicker(h.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-h.HaltCh():
			return
		case <-t.C:
		}
		deadline := time.Now().Add(-2 * h.heartbeatInterval).UnixNano()
		for _, c := range h.allConns() {
			if c.lastSeen.Load() < deadline {
				h.log.Noticef("heartbeat timeout, evicting %s", c)
				h.auditLog.Submit(audit.Event{
					Type:     audit.EventConnectionEvicted,
					Severity: audit.SeverityInfo,
					Identity: c.sess.UserID.String(),
					Message:  fmt.Sprintf("device %s missed heartbeat deadline", c.sess.DeviceID),
				})
				c.close(CloseCodeHeartbeatTimeout)
				continue
			}
			if err := h.presence.RefreshPresence(context.Background(), c.sess.UserID, c.sess.DeviceID); err != nil {
				h.log.Warningf("presence refresh for %s: %v", c, err)
			}
		}
	}
}

func (h *Hub) allConns() []*Conn {
	var conns []*Conn
	for _, s := range h.shards {
		s.RLock()
		for _, devices := range s.users {
			for _, c := range devices {
				conns = append(conns, c)
			}
		}
		s.RUnlock()
	}
	return conns
}

// CloseAll closes every connection with the given application close
// code.  Used during shutdown after the drain delay.
func (h *Hub) CloseAll(code int) {
	for _, c := range h.allConns() {
		c.close(code)
	}
}

// Shutdown halts the sweep worker.
func (h *Hub) Shutdown() {
	h.Halt()
}
