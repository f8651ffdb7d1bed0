// admission_test.go - Admission control tests.
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

package admission

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
)

var testLog = logging.MustGetLogger("admission_test")

// memStore is an in-memory Store for tests; the production counterpart
// is the redis implementation in store.go.
type memStore struct {
	sync.Mutex
	counters map[string]int64
	flags    map[string]bool
	failing  bool
}

func newMemStore() *memStore {
	return &memStore{
		counters: make(map[string]int64),
		flags:    make(map[string]bool),
	}
}

func (m *memStore) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.Lock()
	defer m.Unlock()
	if m.failing {
		return 0, errors.New("store down")
	}
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memStore) SetFlag(_ context.Context, key string, _ time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	m.flags[key] = true
	return nil
}

func (m *memStore) HasFlag(_ context.Context, key string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.failing {
		return false, errors.New("store down")
	}
	return m.flags[key], nil
}

func (m *memStore) Del(_ context.Context, keys ...string) error {
	m.Lock()
	defer m.Unlock()
	for _, k := range keys {
		delete(m.flags, k)
		delete(m.counters, k)
	}
	return nil
}

func testAuditLog(t *testing.T) *audit.Log {
	l, err := audit.New(filepath.Join(t.TempDir(), "audit.db"), &audit.Config{
		QueueDepth:    256,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
	}, testLog)
	require.NoError(t, err)
	t.Cleanup(l.Shutdown)
	return l
}

func testLimiterConfig() *Config {
	return &Config{
		Limits: map[Dimension]TieredLimit{
			DimIP: {
				Normal: Limit{MaxRequests: 5, Window: time.Minute},
				Strict: Limit{MaxRequests: 2, Window: time.Minute},
			},
			DimUser: {
				Normal: Limit{MaxRequests: 100, Window: time.Minute},
				Strict: Limit{MaxRequests: 50, Window: time.Minute},
			},
			DimEndpoint: {
				Normal: Limit{MaxRequests: 1000, Window: time.Minute},
				Strict: Limit{MaxRequests: 3, Window: time.Minute},
			},
		},
		AlwaysStrict:    map[string]bool{"auth:login": true},
		AbuseThreshold:  3,
		AbuseWindow:     time.Minute,
		PenaltyDuration: time.Minute,
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	store := newMemStore()
	l := New(testLimiterConfig(), store, testAuditLog(t), testLog)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "10.0.0.1", "alice", "ws:connect")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d, err := l.Check(ctx, "10.0.0.1", "alice", "ws:connect")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimIP, d.Dimension)
	assert.Equal(t, TierNormal, d.Tier)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A different IP is unaffected.
	d, err = l.Check(ctx, "10.0.0.2", "bob", "ws:connect")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAlwaysStrictEndpoint(t *testing.T) {
	store := newMemStore()
	l := New(testLimiterConfig(), store, testAuditLog(t), testLog)
	ctx := context.Background()

	// The endpoint dimension alone is exercised; strict allows 3.
	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "", "", "auth:login")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "", "", "auth:login")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, TierStrict, d.Tier)
}

func TestAbuseEscalatesToStrict(t *testing.T) {
	store := newMemStore()
	l := New(testLimiterConfig(), store, testAuditLog(t), testLog)
	ctx := context.Background()

	// Burn through the normal tier, then keep violating until the
	// abuse threshold (3) flips the IP to strict.
	for i := 0; i < 5+3; i++ {
		l.Check(ctx, "10.0.0.9", "", "")
	}
	strict, err := store.HasFlag(ctx, modeKey(DimIP, "10.0.0.9"))
	require.NoError(t, err)
	assert.True(t, strict, "identity should be in strict mode")

	// Unblock reverts to the normal tier and clears escalations.
	require.NoError(t, l.Unblock(ctx, DimIP, "10.0.0.9"))
	strict, err = store.HasFlag(ctx, modeKey(DimIP, "10.0.0.9"))
	require.NoError(t, err)
	assert.False(t, strict)
}

func TestCheckFailsOpen(t *testing.T) {
	store := newMemStore()
	store.failing = true
	l := New(testLimiterConfig(), store, testAuditLog(t), testLog)

	d, err := l.Check(context.Background(), "10.0.0.1", "alice", "ws:connect")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "store outage must not take admission down")
}

func TestEmptyIdentitiesSkipped(t *testing.T) {
	store := newMemStore()
	l := New(testLimiterConfig(), store, testAuditLog(t), testLog)

	d, err := l.Check(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, store.counters)
}

func TestAbuseDetectorWindow(t *testing.T) {
	d := newAbuseDetector(3, 50*time.Millisecond)

	assert.False(t, d.record(DimIP, "x"))
	assert.False(t, d.record(DimIP, "x"))
	assert.True(t, d.record(DimIP, "x"), "third violation crosses the threshold")

	// Crossing the threshold clears the history.
	assert.False(t, d.record(DimIP, "x"))

	// Violations age out of the rolling window.
	d2 := newAbuseDetector(2, 30*time.Millisecond)
	assert.False(t, d2.record(DimUser, "y"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, d2.record(DimUser, "y"), "stale violation should have aged out")
}
