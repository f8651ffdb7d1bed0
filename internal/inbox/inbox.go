// inbox.go - Offline inbox with retention sweep and dead-letter store.
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

// Package inbox queues envelopes for offline recipients and replays
// them in acceptance order on reconnect.  Envelopes that cannot be
// queued after bounded retries are parked in a node-local dead-letter
// store for operator replay.
package inbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
)

const (
	appendAttempts = 3
	appendBackoff  = 50 * time.Millisecond
	drainBatch     = 100

	deadLetterBucket = "deadletter"
)

// Store is the redis-backed offline inbox.
type Store struct {
	worker.Worker

	log *logging.Logger
	rdb *redis.Client
	db  *bolt.DB

	retention     time.Duration
	sweepInterval time.Duration
}

// New opens the dead-letter database and starts the retention sweeper.
func New(log *logging.Logger, rdb *redis.Client, deadLetterPath string, retention, sweepInterval time.Duration) (*Store, error) {
	db, err := bolt.Open(deadLetterPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox: open dead-letter store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(deadLetterBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inbox: init dead-letter store: %w", err)
	}

	s := &Store{
		log:           log,
		rdb:           rdb,
		db:            db,
		retention:     retention,
		sweepInterval: sweepInterval,
	}
	s.Go(s.sweepWorker)
	return s, nil
}

func inboxKey(userID uuid.UUID) string { return "inbox:" + userID.String() }

// Append queues env for its recipient, scored by acceptance time so the
// drain replays oldest-first.  Transient redis failures are retried a
// bounded number of times; the final error sends the envelope to the
// dead-letter path.
func (s *Store) Append(ctx context.Context, env *envelope.Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("inbox: encode envelope: %w", err)
	}
	z := redis.Z{Score: float64(env.AcceptedAt.UnixNano()), Member: data}

	var lastErr error
	for i := 0; i < appendAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(appendBackoff << uint(i-1)):
			}
		}
		if lastErr = s.rdb.ZAdd(ctx, inboxKey(env.RecipientID), z).Err(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("inbox: append after %d attempts: %w", appendAttempts, lastErr)
}

// Drain replays userID's queued envelopes oldest-first.  An envelope is
// removed only after consume accepted it; a declined envelope stops the
// drain and everything from it onward stays queued.
func (s *Store) Drain(ctx context.Context, userID uuid.UUID, consume func(*envelope.Envelope) bool) error {
	key := inboxKey(userID)
	for {
		members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: "+inf", Count: drainBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("inbox: drain read: %w", err)
		}
		if len(members) == 0 {
			return nil
		}
		for _, member := range members {
			var env envelope.Envelope
			if err := cbor.Unmarshal([]byte(member), &env); err != nil {
				// A corrupt member would wedge the drain forever;
				// discard it and keep going.
				s.log.Errorf("discarding corrupt inbox entry for %s: %v", userID, err)
				s.rdb.ZRem(ctx, key, member)
				continue
			}
			if !consume(&env) {
				return nil
			}
			if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
				// The envelope reached the device but removal failed;
				// a later drain redelivers it and the bridge dedup
				// window absorbs the duplicate.
				return fmt.Errorf("inbox: drain remove: %w", err)
			}
		}
		if len(members) < drainBatch {
			return nil
		}
	}
}

// Len returns the number of queued envelopes for userID.
func (s *Store) Len(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.rdb.ZCard(ctx, inboxKey(userID)).Result()
}

// sweepWorker expires envelopes older than the retention period.
func (s *Store) sweepWorker() {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
		}
		if err := s.sweep(context.Background()); err != nil {
			s.log.Warningf("retention sweep: %v", err)
		}
	}
}

func (s *Store) sweep(ctx context.Context) error {
	cutoff := strconv.FormatInt(time.Now().Add(-s.retention).UnixNano(), 10)
	var cursor uint64
	var removed int64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "inbox:*", 256).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			n, err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Result()
			if err != nil {
				return err
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		s.log.Noticef("retention sweep expired %d envelope(s)", removed)
	}
	return nil
}

// DeadLetter parks env in the node-local bolt store, keyed by park time
// so entries list in order.
func (s *Store) DeadLetter(ctx context.Context, env *envelope.Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("inbox: encode dead letter: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(deadLetterBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[0:8], uint64(time.Now().UnixNano()))
		binary.BigEndian.PutUint64(key[8:16], seq)
		return bkt.Put(key, data)
	})
}

// DeadLetters iterates the parked envelopes in park order.
func (s *Store) DeadLetters(fn func(*envelope.Envelope) bool) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deadLetterBucket)).ForEach(func(_, v []byte) error {
			var env envelope.Envelope
			if err := cbor.Unmarshal(v, &env); err != nil {
				return err
			}
			if !fn(&env) {
				return errStopIteration
			}
			return nil
		})
	})
	if err == errStopIteration {
		err = nil
	}
	return err
}

var errStopIteration = fmt.Errorf("inbox: stop iteration")

// Shutdown halts the sweeper and closes the dead-letter store.
func (s *Store) Shutdown() {
	s.Halt()
	if err := s.db.Close(); err != nil && !os.IsNotExist(err) {
		s.log.Warningf("dead-letter store close: %v", err)
	}
}
