// config.go - SilentRelay node configuration.
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

// Package config provides the SilentRelay node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress          = ":3219"
	defaultMetricsAddress   = "127.0.0.1:9483"
	defaultLogLevel         = "NOTICE"
	defaultHeartbeatMs      = 30 * 1000  // 30 sec.
	defaultDrainDelayMs     = 5 * 1000   // 5 sec.
	defaultHTTPGraceMs      = 15 * 1000  // 15 sec.
	defaultAcceptWindowMs   = 5 * 60 * 1000
	defaultDedupWindowMs    = 10 * 60 * 1000
	defaultAuditDB          = "audit.db"
	defaultDeadLetterDB     = "deadletter.db"
	defaultKeyHistoryDB     = "keyhistory.db"
	defaultAuditQueueDepth  = 4096
	defaultAuditBatchSize   = 64
	defaultAuditFlushMs     = 1000
	defaultRotationHours    = 24
	defaultRetentionDays    = 30
	defaultInboxSweepHours  = 6
	defaultSessionTTLHours  = 12
	defaultAbuseThreshold   = 50
	defaultAbuseWindowMs    = 5 * 60 * 1000
	defaultPenaltyMs        = 15 * 60 * 1000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the top level node configuration.
type Server struct {
	// Identifier is the human readable node identifier (eg: FQDN).  It is
	// also the node ID recorded in the cluster presence directory, so it
	// must be unique per node.
	Identifier string

	// Address is the listener address for client WebSocket upgrades.
	Address string

	// AdvertiseAddress is the address registered with the service
	// registry.  If empty, Address is advertised.
	AdvertiseAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// DataDir is the absolute path to the node's state files (audit log,
	// dead letters, key rotation history).
	DataDir string

	// HeartbeatInterval is the client liveness refresh interval in
	// milliseconds.  A connection that misses two intervals is evicted.
	HeartbeatInterval int

	// DrainDelay is the delay in milliseconds observed between registry
	// deregistration and refusing new connections, allowing the load
	// balancer's health checks to catch up.
	DrainDelay int

	// HTTPGraceTimeout bounds, in milliseconds, the wait for in-flight
	// HTTP requests during shutdown.
	HTTPGraceTimeout int
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.MetricsAddress == "" {
		sCfg.MetricsAddress = defaultMetricsAddress
	}
	if sCfg.HeartbeatInterval <= 0 {
		sCfg.HeartbeatInterval = defaultHeartbeatMs
	}
	if sCfg.DrainDelay <= 0 {
		sCfg.DrainDelay = defaultDrainDelayMs
	}
	if sCfg.HTTPGraceTimeout <= 0 {
		sCfg.HTTPGraceTimeout = defaultHTTPGraceMs
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Redis is the shared-state store configuration.  The cluster presence
// directory, rate counters, sequence counters and the offline inbox all
// live here.
type Redis struct {
	// Address is the host:port of the redis instance or proxy.
	Address string

	// Password is the optional AUTH password.
	Password string

	// DB is the redis database index.
	DB int
}

func (rCfg *Redis) validate() error {
	if rCfg.Address == "" {
		return errors.New("config: Redis: Address is not set")
	}
	return nil
}

// Envelope tunes frame acceptance.
type Envelope struct {
	// AcceptanceWindow is the timestamp acceptance window in
	// milliseconds.  Frames dated outside the window are rejected, and
	// the replay nonce cache covers the same span.
	AcceptanceWindow int

	// DedupWindow is the cross-node redelivery dedup window in
	// milliseconds.  It must be at least the maximum expected broker
	// redelivery interval.
	DedupWindow int
}

func (eCfg *Envelope) applyDefaults() {
	if eCfg.AcceptanceWindow <= 0 {
		eCfg.AcceptanceWindow = defaultAcceptWindowMs
	}
	if eCfg.DedupWindow <= 0 {
		eCfg.DedupWindow = defaultDedupWindowMs
	}
}

// Limit is one window/limit pair.
type Limit struct {
	// MaxRequests is the number of admitted checks per window.
	MaxRequests int

	// Window is the window span in milliseconds.
	Window int
}

// Admission is the admission control configuration.
type Admission struct {
	// IPNormal/IPStrict are the per-IP tier limits.
	IPNormal Limit
	IPStrict Limit

	// UserNormal/UserStrict are the per-user tier limits.
	UserNormal Limit
	UserStrict Limit

	// EndpointNormal/EndpointStrict are the per-endpoint tier limits.
	EndpointNormal Limit
	EndpointStrict Limit

	// AlwaysStrict lists endpoint keys that are checked against the
	// strict tier regardless of observed behavior.
	AlwaysStrict []string

	// AbuseThreshold is the violation count within AbuseWindow that
	// flips an identity to the strict tier.
	AbuseThreshold int

	// AbuseWindow is the rolling violation window in milliseconds.
	AbuseWindow int

	// PenaltyDuration is the strict-tier duration in milliseconds.
	// Repeated escalations extend it, capped at 4x.
	PenaltyDuration int
}

func (aCfg *Admission) applyDefaults() {
	def := func(l *Limit, maxReq, windowMs int) {
		if l.MaxRequests <= 0 {
			l.MaxRequests = maxReq
		}
		if l.Window <= 0 {
			l.Window = windowMs
		}
	}
	def(&aCfg.IPNormal, 60, 60*1000)
	def(&aCfg.IPStrict, 30, 60*1000)
	def(&aCfg.UserNormal, 120, 60*1000)
	def(&aCfg.UserStrict, 60, 60*1000)
	def(&aCfg.EndpointNormal, 600, 60*1000)
	def(&aCfg.EndpointStrict, 300, 60*1000)
	if aCfg.AbuseThreshold <= 0 {
		aCfg.AbuseThreshold = defaultAbuseThreshold
	}
	if aCfg.AbuseWindow <= 0 {
		aCfg.AbuseWindow = defaultAbuseWindowMs
	}
	if aCfg.PenaltyDuration <= 0 {
		aCfg.PenaltyDuration = defaultPenaltyMs
	}
}

// Keys is the signing key and session credential configuration.
type Keys struct {
	// RotationInterval is the signing key rotation interval in hours.
	RotationInterval int

	// SessionTTL is the bearer credential lifetime in hours.  It must
	// not exceed RotationInterval, or sessions could outlive the grace
	// window of the generation that signed them.
	SessionTTL int

	// BootstrapSecret optionally seeds the initial current generation,
	// hex encoded, at least 32 bytes of entropy.  Required when multiple
	// nodes must verify each other's credentials; a single node may omit
	// it and a random generation is created at startup.
	BootstrapSecret string
}

func (kCfg *Keys) applyDefaults() {
	if kCfg.RotationInterval <= 0 {
		kCfg.RotationInterval = defaultRotationHours
	}
	if kCfg.SessionTTL <= 0 {
		kCfg.SessionTTL = defaultSessionTTLHours
	}
}

func (kCfg *Keys) validate() error {
	if kCfg.SessionTTL > kCfg.RotationInterval {
		return fmt.Errorf("config: Keys: SessionTTL (%dh) exceeds RotationInterval (%dh)", kCfg.SessionTTL, kCfg.RotationInterval)
	}
	if kCfg.BootstrapSecret != "" && len(kCfg.BootstrapSecret) < 64 {
		return errors.New("config: Keys: BootstrapSecret must be at least 32 hex-encoded bytes")
	}
	return nil
}

// Audit is the audit pipeline configuration.
type Audit struct {
	// QueueDepth is the bounded in-memory event buffer size.
	QueueDepth int

	// BatchSize is the batch writer's maximum batch.
	BatchSize int

	// FlushInterval is the batch writer's flush interval in
	// milliseconds.
	FlushInterval int
}

func (aCfg *Audit) applyDefaults() {
	if aCfg.QueueDepth <= 0 {
		aCfg.QueueDepth = defaultAuditQueueDepth
	}
	if aCfg.BatchSize <= 0 {
		aCfg.BatchSize = defaultAuditBatchSize
	}
	if aCfg.FlushInterval <= 0 {
		aCfg.FlushInterval = defaultAuditFlushMs
	}
}

// Inbox is the offline inbox configuration.
type Inbox struct {
	// Retention is the unconsumed entry retention in days.
	Retention int

	// SweepInterval is the retention sweep interval in hours.
	SweepInterval int
}

func (iCfg *Inbox) applyDefaults() {
	if iCfg.Retention <= 0 {
		iCfg.Retention = defaultRetentionDays
	}
	if iCfg.SweepInterval <= 0 {
		iCfg.SweepInterval = defaultInboxSweepHours
	}
}

// Registry is the service registry configuration.
type Registry struct {
	// Disable skips registration entirely (single node deployments).
	Disable bool

	// Address is the consul agent address.
	Address string

	// ServiceName is the registered service name.
	ServiceName string
}

func (rCfg *Registry) applyDefaults() {
	if rCfg.ServiceName == "" {
		rCfg.ServiceName = "silentrelay"
	}
}

func (rCfg *Registry) validate() error {
	if !rCfg.Disable && rCfg.Address == "" {
		return errors.New("config: Registry: Address is not set")
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// NumDeliveryWorkers is the number of envelope delivery workers.
	NumDeliveryWorkers int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumDeliveryWorkers <= 0 {
		dCfg.NumDeliveryWorkers = 3
	}
}

// Config is the top level SilentRelay node configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	Redis     *Redis
	Envelope  *Envelope
	Admission *Admission
	Keys      *Keys
	Audit     *Audit
	Inbox     *Inbox
	Registry  *Registry
	Debug     *Debug
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (cfg *Config) HeartbeatDuration() time.Duration {
	return time.Duration(cfg.Server.HeartbeatInterval) * time.Millisecond
}

// AuditDBPath returns the path to the bolt backed audit log.
func (cfg *Config) AuditDBPath() string {
	return filepath.Join(cfg.Server.DataDir, defaultAuditDB)
}

// DeadLetterDBPath returns the path to the bolt backed dead-letter store.
func (cfg *Config) DeadLetterDBPath() string {
	return filepath.Join(cfg.Server.DataDir, defaultDeadLetterDB)
}

// KeyHistoryDBPath returns the path to the bolt backed key rotation
// history.
func (cfg *Config) KeyHistoryDBPath() string {
	return filepath.Join(cfg.Server.DataDir, defaultKeyHistoryDB)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Redis == nil {
		return errors.New("config: No Redis block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Envelope == nil {
		cfg.Envelope = &Envelope{}
	}
	if cfg.Admission == nil {
		cfg.Admission = &Admission{}
	}
	if cfg.Keys == nil {
		cfg.Keys = &Keys{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &Audit{}
	}
	if cfg.Inbox == nil {
		cfg.Inbox = &Inbox{}
	}
	if cfg.Registry == nil {
		cfg.Registry = &Registry{Disable: true}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Envelope.applyDefaults()
	cfg.Admission.applyDefaults()
	cfg.Keys.applyDefaults()
	cfg.Audit.applyDefaults()
	cfg.Inbox.applyDefaults()
	cfg.Registry.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Redis.validate(); err != nil {
		return err
	}
	if err := cfg.Keys.validate(); err != nil {
		return err
	}
	return cfg.Registry.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
