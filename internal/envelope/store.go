// store.go - Cluster-shared protocol state.
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
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownRecord is returned for status updates referencing a message
// this cluster never accepted (or whose record already expired).
var ErrUnknownRecord = errors.New("envelope: unknown delivery record")

// RecordMeta is the routing metadata of a delivery record.
type RecordMeta struct {
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Sealed      bool
	State       DeliveryState
	Seq         uint64
}

// SharedState is the protocol state every node in the cluster reads and
// writes: per-pair sequence counters, conversation acceptance sets and
// delivery records.  All mutation is atomic on the store side; nodes
// never read-modify-write.
type SharedState interface {
	// NextSeq assigns the next sequence number for the (sender,
	// recipient) pair.  Sealed envelopes draw from a recipient-scoped
	// counter so the counter key does not name the sender.
	NextSeq(ctx context.Context, senderID, recipientID uuid.UUID, sealed bool) (uint64, error)

	// MarkAccepted records that recipient accepted conversations from
	// sender.
	MarkAccepted(ctx context.Context, recipientID, senderID uuid.UUID) error

	// IsAccepted reports whether recipient accepted sender.
	IsAccepted(ctx context.Context, recipientID, senderID uuid.UUID) (bool, error)

	// ReserveNonce atomically records a frame nonce, returning false
	// if any node already saw it within the window.  Replay
	// suppression must be cluster-wide; a node-local cache would admit
	// the same frame replayed at a different node.
	ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// CreateRecord creates the delivery record for an accepted
	// envelope in state sent, enforcing message ID uniqueness.  If a
	// record for the ID already exists nothing is written and the
	// original sequence number is returned with created false; the
	// envelope is a retransmit, not a new message.
	CreateRecord(ctx context.Context, env *Envelope, ttl time.Duration) (created bool, seq uint64, err error)

	// Record returns a record's metadata without mutating it.
	Record(ctx context.Context, messageID uuid.UUID) (RecordMeta, error)

	// AdvanceRecord moves a record forward.  It returns the record's
	// metadata and whether the state actually advanced; a repeat of
	// the current state is an idempotent no-op (false, nil error).
	// Regressions return ErrStateRegression, unknown message IDs
	// ErrUnknownRecord.
	AdvanceRecord(ctx context.Context, messageID uuid.UUID, to DeliveryState) (RecordMeta, bool, error)
}

// createScript creates a record only if the message ID is unused, so a
// resubmitted ID can never reset an existing record back to sent.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'sender', ARGV[1], 'recipient', ARGV[2], 'sealed', ARGV[3], 'state', ARGV[4], 'seq', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// advanceScript enforces the forward-only progression server-side so
// concurrent updates from different nodes cannot interleave a
// regression.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'state'))
if not cur then return -1 end
local to = tonumber(ARGV[1])
if cur == to then return 0 end
if (to == 2 and cur == 1) or (to == 3 and cur == 2) or (to == 4 and cur == 1) then
  redis.call('HSET', KEYS[1], 'state', ARGV[1])
  return 1
end
return -2
`)

type redisState struct {
	rdb *redis.Client
}

// NewRedisState returns a SharedState backed by the cluster redis.
func NewRedisState(rdb *redis.Client) SharedState {
	return &redisState{rdb: rdb}
}

func seqKey(senderID, recipientID uuid.UUID, sealed bool) string {
	if sealed {
		return "seq:sealed:" + recipientID.String()
	}
	return "seq:" + senderID.String() + ":" + recipientID.String()
}

func convKey(recipientID uuid.UUID) string {
	return "conv:accepted:" + recipientID.String()
}

func recordKey(messageID uuid.UUID) string {
	return "dr:" + messageID.String()
}

func nonceKey(nonce string) string {
	return "nonce:" + nonce
}

func (s *redisState) NextSeq(ctx context.Context, senderID, recipientID uuid.UUID, sealed bool) (uint64, error) {
	n, err := s.rdb.Incr(ctx, seqKey(senderID, recipientID, sealed)).Result()
	if err != nil {
		return 0, fmt.Errorf("envelope: sequence assignment: %w", err)
	}
	return uint64(n), nil
}

func (s *redisState) MarkAccepted(ctx context.Context, recipientID, senderID uuid.UUID) error {
	return s.rdb.SAdd(ctx, convKey(recipientID), senderID.String()).Err()
}

func (s *redisState) IsAccepted(ctx context.Context, recipientID, senderID uuid.UUID) (bool, error) {
	return s.rdb.SIsMember(ctx, convKey(recipientID), senderID.String()).Result()
}

func (s *redisState) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := s.rdb.SetNX(ctx, nonceKey(nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("envelope: nonce reservation: %w", err)
	}
	return fresh, nil
}

func (s *redisState) CreateRecord(ctx context.Context, env *Envelope, ttl time.Duration) (bool, uint64, error) {
	key := recordKey(env.MessageID)
	sealed := "0"
	if env.Sealed {
		sealed = "1"
	}
	res, err := createScript.Run(ctx, s.rdb, []string{key},
		env.SenderID.String(),
		env.RecipientID.String(),
		sealed,
		int(StateSent),
		env.Seq,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, 0, fmt.Errorf("envelope: create record: %w", err)
	}
	if res == 1 {
		return true, env.Seq, nil
	}
	meta, err := s.record(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return false, meta.Seq, nil
}

func (s *redisState) Record(ctx context.Context, messageID uuid.UUID) (RecordMeta, error) {
	return s.record(ctx, recordKey(messageID))
}

func (s *redisState) AdvanceRecord(ctx context.Context, messageID uuid.UUID, to DeliveryState) (RecordMeta, bool, error) {
	key := recordKey(messageID)
	res, err := advanceScript.Run(ctx, s.rdb, []string{key}, int(to)).Int()
	if err != nil {
		return RecordMeta{}, false, fmt.Errorf("envelope: advance record: %w", err)
	}
	switch res {
	case -1:
		return RecordMeta{}, false, ErrUnknownRecord
	case -2:
		return RecordMeta{}, false, ErrStateRegression
	}
	meta, err := s.record(ctx, key)
	if err != nil {
		return RecordMeta{}, false, err
	}
	return meta, res == 1, nil
}

func (s *redisState) record(ctx context.Context, key string) (RecordMeta, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return RecordMeta{}, fmt.Errorf("envelope: read record: %w", err)
	}
	if len(vals) == 0 {
		return RecordMeta{}, ErrUnknownRecord
	}
	var meta RecordMeta
	if meta.SenderID, err = uuid.Parse(vals["sender"]); err != nil {
		return RecordMeta{}, fmt.Errorf("envelope: corrupt record %s: %w", key, err)
	}
	if meta.RecipientID, err = uuid.Parse(vals["recipient"]); err != nil {
		return RecordMeta{}, fmt.Errorf("envelope: corrupt record %s: %w", key, err)
	}
	meta.Sealed = vals["sealed"] == "1"
	st, err := strconv.Atoi(vals["state"])
	if err != nil {
		return RecordMeta{}, fmt.Errorf("envelope: corrupt record %s: %w", key, err)
	}
	meta.State = DeliveryState(st)
	if meta.Seq, err = strconv.ParseUint(vals["seq"], 10, 64); err != nil {
		return RecordMeta{}, fmt.Errorf("envelope: corrupt record %s: %w", key, err)
	}
	return meta, nil
}
