// admission.go - Tiered admission control.
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

// Package admission classifies and throttles inbound work before any
// expensive processing.  Counters live in shared storage so admission
// decisions are consistent cluster-wide.
package admission

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
)

// Dimension is one independently checked admission dimension.
type Dimension string

const (
	DimIP       Dimension = "ip"
	DimUser     Dimension = "user"
	DimEndpoint Dimension = "endpoint"
)

// Tier selects the window/limit pair applied to an identity.
type Tier string

const (
	TierNormal Tier = "normal"
	TierStrict Tier = "strict"
)

// Limit is one window/limit pair.
type Limit struct {
	MaxRequests int64
	Window      time.Duration
}

// TieredLimit is the normal and strict limits for one dimension.
type TieredLimit struct {
	Normal Limit
	Strict Limit
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration

	// Dimension and Tier identify the denying check when !Allowed.
	Dimension Dimension
	Tier      Tier
}

// Store is the shared counter backend.  Increments carry a TTL and must
// be atomic; see the redis implementation in store.go.
type Store interface {
	// Incr atomically increments key, setting ttl on first increment,
	// and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetFlag sets a flag key with a TTL, overwriting any prior TTL.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// HasFlag reports whether the flag key exists.
	HasFlag(ctx context.Context, key string) (bool, error)

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error
}

// Config tunes the Limiter.
type Config struct {
	Limits map[Dimension]TieredLimit

	// AlwaysStrict endpoints are checked against the strict tier
	// regardless of observed behavior.
	AlwaysStrict map[string]bool

	AbuseThreshold  int
	AbuseWindow     time.Duration
	PenaltyDuration time.Duration
}

// Limiter is the admission control front door.
type Limiter struct {
	log   *logging.Logger
	audit *audit.Log

	store Store
	cfg   *Config
	abuse *abuseDetector
}

// New creates a Limiter.
func New(cfg *Config, store Store, auditLog *audit.Log, log *logging.Logger) *Limiter {
	return &Limiter{
		log:   log,
		audit: auditLog,
		store: store,
		cfg:   cfg,
		abuse: newAbuseDetector(cfg.AbuseThreshold, cfg.AbuseWindow),
	}
}

// Check admits or denies one unit of inbound work.  Each dimension is
// checked independently against its current tier; denial on any
// dimension denies the whole request.
func (l *Limiter) Check(ctx context.Context, ip, userID, endpointKey string) (Decision, error) {
	checks := []struct {
		dim      Dimension
		identity string
	}{
		{DimIP, ip},
		{DimUser, userID},
		{DimEndpoint, endpointKey},
	}

	for _, c := range checks {
		if c.identity == "" {
			continue
		}
		tier, err := l.tierFor(ctx, c.dim, c.identity, endpointKey)
		if err != nil {
			// Shared state unavailable is a transient infra error; fail
			// open rather than taking delivery down with it.
			l.log.Warningf("admission tier lookup failed for %s %q: %v", c.dim, c.identity, err)
			tier = TierNormal
		}

		d, err := l.checkOne(ctx, c.dim, c.identity, tier)
		if err != nil {
			l.log.Warningf("admission counter failed for %s %q: %v", c.dim, c.identity, err)
			continue
		}
		if !d.Allowed {
			instrument.RateLimitDenied(string(c.dim), string(tier))
			l.audit.Security(audit.EventRateLimitDenied, audit.SeverityLow, c.identity,
				fmt.Sprintf("admission denied on %s (%s tier)", c.dim, tier))
			l.recordViolation(ctx, c.dim, c.identity)
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Unblock clears the strict tier and escalation history for an identity,
// the explicit operator unblock path.
func (l *Limiter) Unblock(ctx context.Context, dim Dimension, identity string) error {
	l.abuse.reset(dim, identity)
	return l.store.Del(ctx, modeKey(dim, identity), escalationKey(dim, identity))
}

func (l *Limiter) tierFor(ctx context.Context, dim Dimension, identity, endpointKey string) (Tier, error) {
	if dim == DimEndpoint && l.cfg.AlwaysStrict[endpointKey] {
		return TierStrict, nil
	}
	strict, err := l.store.HasFlag(ctx, modeKey(dim, identity))
	if err != nil {
		return TierNormal, err
	}
	if strict {
		return TierStrict, nil
	}
	return TierNormal, nil
}

func (l *Limiter) checkOne(ctx context.Context, dim Dimension, identity string, tier Tier) (Decision, error) {
	limit := l.limitFor(dim, tier)
	now := time.Now()
	windowStart := now.Truncate(limit.Window)

	key := fmt.Sprintf("rl:%s:%s:%s:%d", dim, identity, tier, windowStart.Unix())
	count, err := l.store.Incr(ctx, key, 2*limit.Window)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	if count > limit.MaxRequests {
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(limit.Window).Sub(now),
			Dimension:  dim,
			Tier:       tier,
		}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) limitFor(dim Dimension, tier Tier) Limit {
	tl := l.cfg.Limits[dim]
	if tier == TierStrict {
		return tl.Strict
	}
	return tl.Normal
}

// recordViolation feeds the abuse detector and escalates the identity to
// the strict tier when it crosses the threshold.  Repeated escalations
// extend the penalty, doubling up to a 4x bound so lockouts stay
// temporary without the explicit unblock path.
func (l *Limiter) recordViolation(ctx context.Context, dim Dimension, identity string) {
	if !l.abuse.record(dim, identity) {
		return
	}

	escalations, err := l.store.Incr(ctx, escalationKey(dim, identity), 4*l.cfg.PenaltyDuration)
	if err != nil {
		l.log.Warningf("escalation counter failed for %s %q: %v", dim, identity, err)
		escalations = 1
	}
	penalty := l.cfg.PenaltyDuration
	for i := int64(1); i < escalations && penalty < 4*l.cfg.PenaltyDuration; i++ {
		penalty *= 2
	}
	if penalty > 4*l.cfg.PenaltyDuration {
		penalty = 4 * l.cfg.PenaltyDuration
	}

	if err := l.store.SetFlag(ctx, modeKey(dim, identity), penalty); err != nil {
		l.log.Warningf("strict mode flag failed for %s %q: %v", dim, identity, err)
		return
	}
	instrument.StrictEscalation(string(dim))
	l.audit.Security(audit.EventStrictEscalation, audit.SeverityHigh, identity,
		fmt.Sprintf("%s escalated to strict tier for %v", dim, penalty))
	l.log.Noticef("escalated %s %q to strict tier for %v", dim, identity, penalty)
}

func modeKey(dim Dimension, identity string) string {
	return fmt.Sprintf("rl:mode:%s:%s", dim, identity)
}

func escalationKey(dim Dimension, identity string) string {
	return fmt.Sprintf("rl:esc:%s:%s", dim, identity)
}
