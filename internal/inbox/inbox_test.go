// inbox_test.go - Offline inbox tests.
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

package inbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
)

var testLog = logging.MustGetLogger("inbox_test")

func newTestStore(t *testing.T) *Store {
	// The shared store is deliberately absent; these tests exercise the
	// node-local dead-letter path.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })

	s, err := New(testLog, rdb, filepath.Join(t.TempDir(), "deadletter.db"),
		30*24*time.Hour, time.Hour)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func testEnvelope(recipient uuid.UUID, seq uint64) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:   uuid.New(),
		SenderID:    uuid.New(),
		RecipientID: recipient,
		Seq:         seq,
		Ciphertext:  []byte(`"blob"`),
		AcceptedAt:  time.Now().UTC(),
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	recipient := uuid.New()

	want := []*envelope.Envelope{
		testEnvelope(recipient, 1),
		testEnvelope(recipient, 2),
		testEnvelope(recipient, 3),
	}
	for _, env := range want {
		require.NoError(t, s.DeadLetter(context.Background(), env))
	}

	var got []*envelope.Envelope
	require.NoError(t, s.DeadLetters(func(env *envelope.Envelope) bool {
		got = append(got, env)
		return true
	}))
	require.Len(t, got, 3)
	for i := range want {
		assert.Equal(t, want[i].MessageID, got[i].MessageID, "park order is preserved")
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].Ciphertext, got[i].Ciphertext)
	}
}

func TestDeadLettersEarlyStop(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.DeadLetter(context.Background(), testEnvelope(uuid.New(), 1)))
	}

	count := 0
	require.NoError(t, s.DeadLetters(func(*envelope.Envelope) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestAppendGivesUpAfterBoundedRetries(t *testing.T) {
	s := newTestStore(t)

	start := time.Now()
	err := s.Append(context.Background(), testEnvelope(uuid.New(), 1))
	require.Error(t, err, "no shared store reachable")
	assert.Less(t, time.Since(start), 5*time.Second, "retries are bounded")
}

func TestAppendHonorsContextCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Append(ctx, testEnvelope(uuid.New(), 1))
	assert.Error(t, err)
}
