// server.go - The relay node.
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

// Package silentrelay assembles a relay node: the connection hub, the
// cluster bridge, the envelope pipeline, admission control, the key
// manager and the audit pipeline, glued together behind one WebSocket
// listener.
package silentrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/config"
	corelog "github.com/JaydenBeard/SilentRelay-sub005/core/log"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/admission"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/bridge"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/hub"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/inbox"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/keys"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/registry"
)

const connectEndpointKey = "ws:connect"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TLS and origin policy are the ingress proxy's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is a running relay node.
type Server struct {
	cfg *config.Config

	logBackend *corelog.Backend
	log        *logging.Logger

	rdb      *redis.Client
	auditLog *audit.Log
	keyring  *keys.Manager
	limiter  *admission.Limiter
	bridge   *bridge.Bridge
	hub      *hub.Hub
	inbox    *inbox.Store
	pipeline *envelope.Pipeline
	registry *registry.Registry

	httpServer *http.Server

	draining atomic.Bool
	haltOnce sync.Once
	haltedCh chan struct{}
}

// New constructs and starts a Server from its validated configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		haltedCh: make(chan struct{}),
	}

	var err error
	s.logBackend, err = corelog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	s.log = s.logBackend.GetLogger("server")
	s.log.Noticef("silentrelay node %s starting", cfg.Server.Identifier)

	if err = os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("server: create data dir: %w", err)
	}

	instrument.Init(cfg.Server.MetricsAddress)

	s.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("server: redis unreachable: %w", err)
	}

	okToClose := false
	defer func() {
		// New failed mid-assembly; tear down what already started.
		if !okToClose {
			s.halt()
		}
	}()

	s.auditLog, err = audit.New(cfg.AuditDBPath(), &audit.Config{
		QueueDepth:    cfg.Audit.QueueDepth,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
	}, s.logBackend.GetLogger("audit"))
	if err != nil {
		return nil, err
	}

	s.keyring, err = keys.New(&keys.Config{
		RotationInterval: time.Duration(cfg.Keys.RotationInterval) * time.Hour,
		SessionTTL:       time.Duration(cfg.Keys.SessionTTL) * time.Hour,
		BootstrapSecret:  cfg.Keys.BootstrapSecret,
		HistoryPath:      cfg.KeyHistoryDBPath(),
	}, s.auditLog, s.logBackend.GetLogger("keys"))
	if err != nil {
		return nil, err
	}
	s.keyring.StartWorker()

	s.limiter = admission.New(admissionConfig(cfg.Admission),
		admission.NewRedisStore(s.rdb), s.auditLog,
		s.logBackend.GetLogger("admission"))

	s.bridge = bridge.New(s.logBackend.GetLogger("bridge"), s.rdb,
		cfg.Server.Identifier, s.auditLog,
		time.Duration(cfg.Envelope.DedupWindow)*time.Millisecond)

	s.inbox, err = inbox.New(s.logBackend.GetLogger("inbox"), s.rdb,
		cfg.DeadLetterDBPath(),
		time.Duration(cfg.Inbox.Retention)*24*time.Hour,
		time.Duration(cfg.Inbox.SweepInterval)*time.Hour)
	if err != nil {
		return nil, err
	}

	s.hub = hub.New(s.logBackend.GetLogger("hub"), nil, s.bridge,
		s.auditLog, s.cfg.HeartbeatDuration())

	retention := time.Duration(cfg.Inbox.Retention) * 24 * time.Hour
	s.pipeline = envelope.NewPipeline(&envelope.PipelineConfig{
		Log:              s.logBackend.GetLogger("envelope"),
		Keyring:          s.keyring,
		State:            envelope.NewRedisState(s.rdb),
		Local:            s.hub,
		Remote:           s.bridge,
		Inbox:            s.inbox,
		AuditLog:         s.auditLog,
		AcceptanceWindow: time.Duration(cfg.Envelope.AcceptanceWindow) * time.Millisecond,
		RecordTTL:        retention,
		DeliveryWorkers:  cfg.Debug.NumDeliveryWorkers,
	})
	s.hub.SetHandler(s.pipeline)
	s.bridge.SetSink(s.pipeline)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/connect", s.onConnect)
	mux.HandleFunc("/healthz", s.onHealthz)
	s.httpServer = &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("listener: %v", err)
		}
	}()
	s.log.Noticef("listening on %s", cfg.Server.Address)

	if !cfg.Registry.Disable {
		s.registry, err = registry.New(s.logBackend.GetLogger("registry"), cfg.Registry.Address)
		if err != nil {
			return nil, err
		}
		advertise := cfg.Server.AdvertiseAddress
		if advertise == "" {
			advertise = cfg.Server.Address
		}
		if err = s.registry.Register(cfg.Registry.ServiceName, cfg.Server.Identifier, advertise); err != nil {
			return nil, err
		}
	}

	okToClose = true
	return s, nil
}

func admissionConfig(a *config.Admission) *admission.Config {
	toLimit := func(l config.Limit) admission.Limit {
		return admission.Limit{
			MaxRequests: int64(l.MaxRequests),
			Window:      time.Duration(l.Window) * time.Millisecond,
		}
	}
	alwaysStrict := make(map[string]bool, len(a.AlwaysStrict))
	for _, k := range a.AlwaysStrict {
		alwaysStrict[k] = true
	}
	return &admission.Config{
		Limits: map[admission.Dimension]admission.TieredLimit{
			admission.DimIP:       {Normal: toLimit(a.IPNormal), Strict: toLimit(a.IPStrict)},
			admission.DimUser:     {Normal: toLimit(a.UserNormal), Strict: toLimit(a.UserStrict)},
			admission.DimEndpoint: {Normal: toLimit(a.EndpointNormal), Strict: toLimit(a.EndpointStrict)},
		},
		AlwaysStrict:    alwaysStrict,
		AbuseThreshold:  a.AbuseThreshold,
		AbuseWindow:     time.Duration(a.AbuseWindow) * time.Millisecond,
		PenaltyDuration: time.Duration(a.PenaltyDuration) * time.Millisecond,
	}
}

// onConnect authenticates and admits a client, then upgrades the
// socket and hands it to the hub.
func (s *Server) onConnect(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	claims, err := s.keyring.VerifySession(bearerToken(r))
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrCredentialExpired):
			s.auditLog.Submit(audit.Event{
				Type:     audit.EventCredentialExpired,
				Severity: audit.SeverityLow,
				Identity: clientIP(r),
				Message:  "expired credential on connect",
			})
		default:
			s.auditLog.Security(audit.EventAuthFailure, audit.SeverityMedium, clientIP(r),
				fmt.Sprintf("connect rejected: %v", err))
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	decision, err := s.limiter.Check(r.Context(), clientIP(r),
		claims.UserID.String(), connectEndpointKey)
	if err != nil {
		s.log.Warningf("admission check: %v", err)
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After",
			strconv.Itoa(int(decision.RetryAfter/time.Second)+1))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.hub.Attach(ws, envelope.Session{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
	}, r.RemoteAddr)
}

func (s *Server) onHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browser WebSocket clients cannot set headers; accept the
	// credential as a query parameter too.
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RotateLog rotates the log file in response to SIGHUP.
func (s *Server) RotateLog() error {
	return s.logBackend.Rotate()
}

// Shutdown cleanly stops the node.  The ordering matters: deregister
// first so the load balancer stops routing here, observe the drain
// delay, refuse new work, flush what is in flight, then stop the
// background machinery, with the audit log last so every shutdown
// event is on disk.
func (s *Server) Shutdown() {
	s.haltOnce.Do(s.halt)
}

func (s *Server) halt() {
	defer close(s.haltedCh)
	s.log.Noticef("shutdown requested")

	if s.registry != nil {
		if err := s.registry.Deregister(); err != nil {
			s.log.Warningf("%v", err)
		}
		time.Sleep(time.Duration(s.cfg.Server.DrainDelay) * time.Millisecond)
	}

	s.draining.Store(true)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.Server.HTTPGraceTimeout)*time.Millisecond)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warningf("http shutdown: %v", err)
		}
		cancel()
	}

	if s.hub != nil {
		s.hub.CloseAll(hub.CloseCodeRestarting)
		s.hub.Shutdown()
	}
	if s.pipeline != nil {
		s.pipeline.Shutdown()
	}
	if s.bridge != nil {
		s.bridge.Shutdown()
	}
	if s.inbox != nil {
		s.inbox.Shutdown()
	}
	if s.keyring != nil {
		s.keyring.Shutdown()
	}
	if s.auditLog != nil {
		s.auditLog.Shutdown()
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	s.log.Noticef("shutdown complete")
}

// Wait blocks until Shutdown finishes.
func (s *Server) Wait() {
	<-s.haltedCh
}
