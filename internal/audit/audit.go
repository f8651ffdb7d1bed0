// audit.go - Security audit event pipeline.
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

// Package audit implements the append-only security audit pipeline.
// Events are queued into a bounded buffer and drained in batches by a
// writer backed by a bolt database.  Under buffer saturation only events
// below High severity are dropped (and counted); High and Critical events
// take a synchronous write path and are never silently lost.
package audit

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
)

const eventsBucket = "events"

// Severity is an audit event severity tag.
type Severity uint8

const (
	// SeverityInfo tags routine events.
	SeverityInfo Severity = iota

	// SeverityLow tags events of minor interest.
	SeverityLow

	// SeverityMedium tags events worth correlating.
	SeverityMedium

	// SeverityHigh tags events that must survive buffer saturation.
	SeverityHigh

	// SeverityCritical tags operator-alertable events.
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", s)
	}
}

// Event types recorded by the node.
const (
	EventAuthFailure       = "auth_failure"
	EventCredentialExpired = "credential_expired"
	EventSignatureMismatch = "signature_mismatch"
	EventReplayAttempt     = "replay_attempt"
	EventMalformedFrame    = "malformed_frame"
	EventRateLimitDenied   = "rate_limit_denied"
	EventStrictEscalation  = "strict_escalation"
	EventKeyRotation       = "key_rotation"
	EventDeadLetter        = "dead_letter"
	EventConnectionEvicted = "connection_evicted"
	EventBrokerDegraded    = "broker_degraded"
)

// Event is one append-only audit record.  Events are never mutated after
// creation.
type Event struct {
	ID       uuid.UUID `cbor:"id"`
	Type     string    `cbor:"type"`
	Severity Severity  `cbor:"severity"`
	Identity string    `cbor:"identity"`
	Message  string    `cbor:"message"`
	Time     time.Time `cbor:"time"`
}

// Log is the audit pipeline.
type Log struct {
	worker.Worker

	log *logging.Logger

	dbLock sync.Mutex
	db     *bolt.DB

	queue chan Event

	batchSize     int
	flushInterval time.Duration

	dropped uint64
}

// Config tunes the pipeline.
type Config struct {
	QueueDepth    int
	BatchSize     int
	FlushInterval time.Duration
}

// New creates an audit Log backed by the bolt database at path and starts
// the batch writer.
func New(path string, cfg *Config, log *logging.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(eventsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		log:           log,
		db:            db,
		queue:         make(chan Event, cfg.QueueDepth),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	l.Go(l.writerWorker)
	return l, nil
}

// Submit enqueues an event.  Events below SeverityHigh are dropped when
// the buffer is saturated; High and Critical events fall through to a
// synchronous write and are never lost.
func (l *Log) Submit(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	select {
	case l.queue <- ev:
		return
	default:
	}

	if ev.Severity >= SeverityHigh {
		// Saturated, but this event must not be lost.
		if err := l.writeBatch([]Event{ev}); err != nil {
			l.log.Errorf("synchronous audit write failed: %v", err)
		}
		return
	}

	atomic.AddUint64(&l.dropped, 1)
	instrument.AuditDropped(ev.Severity.String())
}

// Security submits a security event, the common case.
func (l *Log) Security(eventType string, severity Severity, identity, message string) {
	l.Submit(Event{
		Type:     eventType,
		Severity: severity,
		Identity: identity,
		Message:  message,
	})
}

// Dropped returns the number of events dropped under saturation.
func (l *Log) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

// Shutdown halts the writer, flushes the remaining queue and closes the
// database.
func (l *Log) Shutdown() {
	l.Halt()

	// The writer has returned, drain whatever is left.
	remaining := make([]Event, 0, len(l.queue))
	for {
		select {
		case ev := <-l.queue:
			remaining = append(remaining, ev)
			continue
		default:
		}
		break
	}
	if len(remaining) > 0 {
		if err := l.writeBatch(remaining); err != nil {
			l.log.Errorf("final audit flush failed: %v", err)
		}
	}
	l.db.Close()
}

func (l *Log) writerWorker() {
	flush := time.NewTicker(l.flushInterval)
	defer flush.Stop()

	batch := make([]Event, 0, l.batchSize)
	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			l.log.Errorf("audit batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.HaltCh():
			flushBatch()
			return
		case ev := <-l.queue:
			batch = append(batch, ev)
			if len(batch) >= l.batchSize {
				flushBatch()
			}
		case <-flush.C:
			flushBatch()
		}
	}
}

func (l *Log) writeBatch(events []Event) error {
	l.dbLock.Lock()
	defer l.dbLock.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(eventsBucket))
		for _, ev := range events {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			raw, err := cbor.Marshal(ev)
			if err != nil {
				return err
			}
			if err = bkt.Put(eventKey(ev.Time, seq), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range calls fn for every stored event in time order, for tests and
// operator tooling.
func (l *Log) Range(fn func(Event) bool) error {
	l.dbLock.Lock()
	defer l.dbLock.Unlock()

	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			var ev Event
			if err := cbor.Unmarshal(v, &ev); err != nil {
				return err
			}
			if !fn(ev) {
				return errStopIteration
			}
			return nil
		})
	})
	if err == errStopIteration {
		return nil
	}
	return err
}

var errStopIteration = fmt.Errorf("audit: stop iteration")

// Keys are time ordered so range scans come back in append order even
// across restarts.
func eventKey(t time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(k[8:16], seq)
	return k
}
