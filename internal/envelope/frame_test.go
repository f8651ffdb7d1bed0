// frame_test.go - Frame parsing tests.
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

package envelope

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKindClosedSet(t *testing.T) {
	for name, want := range map[string]Kind{
		"send":                KindSend,
		"deliver":             KindDeliver,
		"status_update":       KindStatus,
		"conversation_accept": KindAccept,
		"typing":              KindTyping,
		"heartbeat":           KindHeartbeat,
		"heartbeat_ack":       KindHeartbeatAck,
	} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, want, k)
		assert.Equal(t, name, k.String())
	}

	_, err := ParseKind("subscribe")
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseFrameRejectsUnknownType(t *testing.T) {
	_, _, err := ParseFrame([]byte(`{"type":"exfiltrate"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, _, err = ParseFrame([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	f, k, err := ParseFrame([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, k)
	assert.NotNil(t, f)
}

func TestCanonicalBytesStable(t *testing.T) {
	id := uuid.MustParse("e5a7c9a0-0000-4000-8000-1234567890ab")
	ts := time.Date(2026, 1, 2, 15, 4, 5, 123_000_000, time.UTC)
	f := &Frame{
		Type:      "send",
		MessageID: id,
		Timestamp: ts,
		Payload:   []byte(`{"recipient_id":"x"}`),
	}
	want := "send:2026-01-02T15:04:05.123Z:" + id.String() + `:{"recipient_id":"x"}`
	assert.Equal(t, want, string(f.CanonicalBytes()))

	// The signature does not cover the nonce, so the canonical bytes
	// are nonce independent.
	f.Nonce = "whatever"
	assert.Equal(t, want, string(f.CanonicalBytes()))
}

func TestDecodeSignature(t *testing.T) {
	f := &Frame{Signature: "deadbeef"}
	sig, err := f.DecodeSignature()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, sig)

	f.Signature = "zz"
	_, err = f.DecodeSignature()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	f.Signature = ""
	_, err = f.DecodeSignature()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDeliverFrameSealedSender(t *testing.T) {
	env := &Envelope{
		MessageID:   uuid.New(),
		SenderID:    uuid.New(),
		RecipientID: uuid.New(),
		Seq:         7,
		Ciphertext:  []byte(`"opaque"`),
		SentAt:      time.Now().UTC(),
	}

	f := env.DeliverFrame()
	assert.Equal(t, env.SenderID, f.SenderID)
	assert.Equal(t, uint64(7), f.Seq)

	env.Sealed = true
	f = env.DeliverFrame()
	assert.Equal(t, uuid.Nil, f.SenderID, "sealed envelopes must not expose the sender")
}

func TestDeliveryStateMachine(t *testing.T) {
	assert.True(t, CanAdvance(StateSent, StateDelivered))
	assert.True(t, CanAdvance(StateDelivered, StateRead))
	assert.True(t, CanAdvance(StateSent, StateFailed))

	assert.False(t, CanAdvance(StateSent, StateRead), "read requires delivered first")
	assert.False(t, CanAdvance(StateRead, StateDelivered))
	assert.False(t, CanAdvance(StateDelivered, StateSent))
	assert.False(t, CanAdvance(StateFailed, StateDelivered))
	assert.False(t, CanAdvance(StateRead, StateFailed))
}

func TestParseDeliveryState(t *testing.T) {
	st, err := ParseDeliveryState("read")
	require.NoError(t, err)
	assert.Equal(t, StateRead, st)

	_, err = ParseDeliveryState("seen")
	assert.Error(t, err)
}
