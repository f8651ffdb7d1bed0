// audit_test.go - Audit pipeline tests.
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

package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

var testLog = logging.MustGetLogger("audit_test")

func testConfig() *Config {
	return &Config{
		QueueDepth:    64,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
	}
}

func TestAuditRoundTrip(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "audit.db"), testConfig(), testLog)
	require.NoError(t, err)

	l.Security(EventAuthFailure, SeverityMedium, "10.0.0.1", "bad token")
	l.Security(EventReplayAttempt, SeverityMedium, "alice", "nonce reuse")

	// Let the batch writer flush.
	time.Sleep(100 * time.Millisecond)

	var types []string
	require.NoError(t, l.Range(func(ev Event) bool {
		types = append(types, ev.Type)
		assert.False(t, ev.Time.IsZero())
		assert.NotEmpty(t, ev.ID)
		return true
	}))
	assert.Equal(t, []string{EventAuthFailure, EventReplayAttempt}, types)

	l.Shutdown()
}

func TestAuditShutdownFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := New(path, &Config{
		QueueDepth:    64,
		BatchSize:     64,
		FlushInterval: time.Hour, // never flushes on its own
	}, testLog)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		l.Security(EventRateLimitDenied, SeverityLow, "10.0.0.1", "denied")
	}
	l.Shutdown()

	// Reopen and verify nothing was lost.
	l, err = New(path, testConfig(), testLog)
	require.NoError(t, err)
	count := 0
	require.NoError(t, l.Range(func(Event) bool {
		count++
		return true
	}))
	assert.Equal(t, 5, count)
	l.Shutdown()
}

func TestAuditSaturation(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "audit.db"), &Config{
		QueueDepth:    2,
		BatchSize:     8,
		FlushInterval: time.Hour,
	}, testLog)
	require.NoError(t, err)

	// Park the writer so the queue saturates deterministically.
	l.Halt()

	l.Security(EventRateLimitDenied, SeverityLow, "a", "fills slot 1")
	l.Security(EventRateLimitDenied, SeverityLow, "b", "fills slot 2")
	l.Security(EventRateLimitDenied, SeverityLow, "c", "dropped")
	assert.Equal(t, uint64(1), l.Dropped())

	// High severity bypasses the saturated queue with a synchronous
	// write.
	l.Security(EventKeyRotation, SeverityHigh, "node1", "must not be lost")
	assert.Equal(t, uint64(1), l.Dropped())

	var written []string
	require.NoError(t, l.Range(func(ev Event) bool {
		written = append(written, ev.Type)
		return true
	}))
	assert.Equal(t, []string{EventKeyRotation}, written)
}

func TestAuditRangeEarlyStop(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "audit.db"), testConfig(), testLog)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		l.Security(EventConnectionEvicted, SeverityInfo, "alice", "evicted")
	}
	time.Sleep(100 * time.Millisecond)

	count := 0
	require.NoError(t, l.Range(func(Event) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)

	l.Shutdown()
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityInfo < SeverityLow)
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)
	assert.True(t, SeverityHigh < SeverityCritical)
	assert.Equal(t, "critical", SeverityCritical.String())
}
