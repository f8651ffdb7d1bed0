// hub_test.go - Connection hub tests.
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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
)

var testLog = logging.MustGetLogger("hub_test")

type recordingHandler struct {
	mu     sync.Mutex
	frames []envelope.Kind
	drains int
	err    error
}

func (r *recordingHandler) OnFrame(_ context.Context, _ envelope.Session, _ *envelope.Frame, kind envelope.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, kind)
	return r.err
}

func (r *recordingHandler) DrainInbox(context.Context, envelope.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains++
	return nil
}

func (r *recordingHandler) kinds() []envelope.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.Kind(nil), r.frames...)
}

type recordingPresence struct {
	mu      sync.Mutex
	online  int
	offline int
}

func (r *recordingPresence) DeviceOnline(context.Context, uuid.UUID, uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online++
	return nil
}

func (r *recordingPresence) DeviceOffline(context.Context, uuid.UUID, uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline++
	return nil
}

func (r *recordingPresence) RefreshPresence(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

func (r *recordingPresence) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online, r.offline
}

type hubHarness struct {
	h        *Hub
	handler  *recordingHandler
	presence *recordingPresence
	srv      *httptest.Server
}

func newHubHarness(t *testing.T, heartbeat time.Duration) *hubHarness {
	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.db"), &audit.Config{
		QueueDepth:    256,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
	}, testLog)
	require.NoError(t, err)
	t.Cleanup(auditLog.Shutdown)

	hh := &hubHarness{
		handler:  new(recordingHandler),
		presence: new(recordingPresence),
	}
	hh.h = New(testLog, hh.handler, hh.presence, auditLog, heartbeat)
	t.Cleanup(hh.h.Shutdown)

	up := websocket.Upgrader{}
	hh.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := uuid.MustParse(r.URL.Query().Get("user"))
		deviceID := uuid.MustParse(r.URL.Query().Get("device"))
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hh.h.Attach(ws, envelope.Session{UserID: userID, DeviceID: deviceID}, r.RemoteAddr)
	}))
	t.Cleanup(hh.srv.Close)
	return hh
}

func (hh *hubHarness) dial(t *testing.T, userID, deviceID uuid.UUID) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(hh.srv.URL, "http") +
		"?user=" + userID.String() + "&device=" + deviceID.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool {
		return hh.h.IsLocallyOnline(userID)
	}, time.Second, 5*time.Millisecond)
	return ws
}

func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func TestSendToUserFansOutToAllDevices(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	userID := uuid.New()
	d1, d2 := uuid.New(), uuid.New()
	ws1 := hh.dial(t, userID, d1)
	ws2 := hh.dial(t, userID, d2)

	require.Eventually(t, func() bool {
		return hh.h.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond)

	reached := hh.h.SendToUser(userID, []byte(`{"type":"deliver"}`))
	assert.ElementsMatch(t, []uuid.UUID{d1, d2}, reached)

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		ws.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"deliver"}`, string(raw))
	}

	assert.Empty(t, hh.h.SendToUser(uuid.New(), []byte(`{}`)), "unknown user reaches nobody")
}

func TestSendToDevice(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	userID, deviceID := uuid.New(), uuid.New()
	ws := hh.dial(t, userID, deviceID)

	assert.True(t, hh.h.SendToDevice(userID, deviceID, []byte(`{"type":"deliver"}`)))
	assert.False(t, hh.h.SendToDevice(userID, uuid.New(), []byte(`{}`)))

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := ws.ReadMessage()
	assert.NoError(t, err)
}

func TestSameDeviceReconnectSupersedes(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	userID, deviceID := uuid.New(), uuid.New()

	ws1 := hh.dial(t, userID, deviceID)
	hh.dial(t, userID, deviceID)

	ws1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := ws1.ReadMessage()
	assert.Equal(t, CloseCodeSuperseded, closeCodeOf(err))

	require.Eventually(t, func() bool {
		return hh.h.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The superseded teardown must not knock the user offline.
	assert.True(t, hh.h.IsLocallyOnline(userID))
	online, offline := hh.presence.counts()
	assert.Equal(t, 2, online)
	assert.Zero(t, offline)
}

func TestFramesReachHandlerAndInboxDrains(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	ws := hh.dial(t, uuid.New(), uuid.New())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"send","payload":{}}`)))

	require.Eventually(t, func() bool {
		kinds := hh.handler.kinds()
		return len(kinds) == 1 && kinds[0] == envelope.KindSend
	}, time.Second, 5*time.Millisecond)

	hh.handler.mu.Lock()
	drains := hh.handler.drains
	hh.handler.mu.Unlock()
	assert.Equal(t, 1, drains, "attach replays the offline inbox")
}

func TestHeartbeatAnswered(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	ws := hh.dial(t, uuid.New(), uuid.New())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbeat_ack")

	// The heartbeat went through frame validation before the ack.
	assert.Equal(t, []envelope.Kind{envelope.KindHeartbeat}, hh.handler.kinds())
}

func TestRejectedFramesDoNotRefreshLiveness(t *testing.T) {
	hh := newHubHarness(t, 50*time.Millisecond)
	hh.handler.err = envelope.ErrReplay
	ws := hh.dial(t, uuid.New(), uuid.New())

	// A steady stream of frames that all fail validation must not keep
	// the connection alive; the sweeper still evicts it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 100; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)) != nil {
				return
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.Equal(t, CloseCodeHeartbeatTimeout, closeCodeOf(err))
			return
		}
	}
}

func TestMalformedFrameAnsweredWithError(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	ws := hh.dial(t, uuid.New(), uuid.New())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err, "a malformed frame must not kill the connection")
	assert.Contains(t, string(raw), `"error"`)
}

func TestSignatureMismatchTerminates(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	hh.handler.err = envelope.ErrSignatureMismatch
	ws := hh.dial(t, uuid.New(), uuid.New())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"send","payload":{}}`)))

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := ws.ReadMessage()
	assert.Equal(t, CloseCodePolicyViolation, closeCodeOf(err))
}

func TestHeartbeatTimeoutEvicts(t *testing.T) {
	hh := newHubHarness(t, 50*time.Millisecond)
	ws := hh.dial(t, uuid.New(), uuid.New())

	// Stay silent; the sweeper evicts after two missed intervals.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Equal(t, CloseCodeHeartbeatTimeout, closeCodeOf(err))

	require.Eventually(t, func() bool {
		return hh.h.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestInboundFrameBudget(t *testing.T) {
	c := newConn(nil, nil, envelope.Session{}, "test")

	for i := 0; i < bucketCapacity; i++ {
		require.True(t, c.allowFrame(), "frame %d should fit the initial budget", i)
	}
	assert.False(t, c.allowFrame(), "budget exhausted")

	// The bucket refills with time.
	time.Sleep(2 * time.Second / bucketRefill)
	assert.True(t, c.allowFrame())
}

func TestCloseAll(t *testing.T) {
	hh := newHubHarness(t, time.Minute)
	ws1 := hh.dial(t, uuid.New(), uuid.New())
	ws2 := hh.dial(t, uuid.New(), uuid.New())

	hh.h.CloseAll(CloseCodeRestarting)

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		ws.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := ws.ReadMessage()
		assert.Equal(t, CloseCodeRestarting, closeCodeOf(err))
	}
}
