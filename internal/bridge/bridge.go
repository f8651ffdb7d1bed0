// bridge.go - Cross-node fan-out over the redis broker.
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

// Package bridge connects the nodes of a cluster: it maintains the
// shared presence directory, routes envelopes to whichever node hosts
// the recipient, and absorbs redeliveries with a dedup window.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/envelope"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
)

const (
	brokerFrameVersion = 1

	presenceChannel = "presence:updates"
	directoryTTL    = 5 * time.Minute

	dedupCacheSize  = 1 << 16
	lookupCacheSize = 1 << 14
	lookupCacheTTL  = 30 * time.Second

	resubscribeBackoffFloor = 250 * time.Millisecond
	resubscribeBackoffCeil  = 15 * time.Second
)

// frameKind discriminates broker frame contents.
type frameKind uint8

const (
	frameEnvelope frameKind = iota + 1
	frameRaw
	framePresence
)

// brokerFrame is the CBOR frame exchanged between nodes.  Unknown
// versions are dropped, never guessed at.
type brokerFrame struct {
	Version  uint8              `cbor:"1,keyasint"`
	Kind     frameKind          `cbor:"2,keyasint"`
	Origin   string             `cbor:"3,keyasint"`
	UserID   uuid.UUID          `cbor:"4,keyasint,omitempty"`
	Envelope *envelope.Envelope `cbor:"5,keyasint,omitempty"`
	Raw      []byte             `cbor:"6,keyasint,omitempty"`
	Online   bool               `cbor:"7,keyasint,omitempty"`
}

// RemoteSink consumes traffic arriving from peer nodes.  The envelope
// pipeline implements it.
type RemoteSink interface {
	HandleRemote(ctx context.Context, env *envelope.Envelope)
	HandleRemoteFrame(userID uuid.UUID, raw []byte)
}

// Bridge is this node's connection to the rest of the cluster.
type Bridge struct {
	worker.Worker

	log      *logging.Logger
	rdb      *redis.Client
	nodeID   string
	sink     RemoteSink
	auditLog *audit.Log

	// dedup absorbs broker redeliveries: an envelope seen within the
	// window is dropped, which is what makes inbox redelivery after a
	// crashed drain safe.
	dedup  *expirable.LRU[uuid.UUID, struct{}]
	lookup *expirable.LRU[uuid.UUID, []string]
}

// New constructs the bridge and starts its subscriber worker.  The sink
// is wired afterward via SetSink; the pipeline and the bridge reference
// each other.
func New(log *logging.Logger, rdb *redis.Client, nodeID string, auditLog *audit.Log, dedupWindow time.Duration) *Bridge {
	b := &Bridge{
		log:      log,
		rdb:      rdb,
		nodeID:   nodeID,
		auditLog: auditLog,
		dedup:    expirable.NewLRU[uuid.UUID, struct{}](dedupCacheSize, nil, dedupWindow),
		lookup:   expirable.NewLRU[uuid.UUID, []string](lookupCacheSize, nil, lookupCacheTTL),
	}
	b.Go(b.subscriberWorker)
	return b
}

// SetSink wires the consumer of remote traffic.
func (b *Bridge) SetSink(sink RemoteSink) { b.sink = sink }

func nodeChannel(nodeID string) string { return "node:" + nodeID }

func directoryKey(userID uuid.UUID) string { return "connections:" + userID.String() }

// Seen reports whether messageID was already handled within the dedup
// window, marking it as seen either way.
func (b *Bridge) Seen(messageID uuid.UUID) bool {
	if _, ok := b.dedup.Get(messageID); ok {
		return true
	}
	b.dedup.Add(messageID, struct{}{})
	return false
}

// LookupNodes returns the distinct node IDs hosting a live device of
// userID, consulting a short-lived cache before the directory.
func (b *Bridge) LookupNodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if nodes, ok := b.lookup.Get(userID); ok {
		return nodes, nil
	}
	devices, err := b.rdb.HGetAll(ctx, directoryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("bridge: directory lookup: %w", err)
	}
	seen := make(map[string]bool, len(devices))
	var nodes []string
	for _, node := range devices {
		if node == b.nodeID || seen[node] {
			continue
		}
		seen[node] = true
		nodes = append(nodes, node)
	}
	b.lookup.Add(userID, nodes)
	return nodes, nil
}

// PublishEnvelope forwards env to every node hosting its recipient.
func (b *Bridge) PublishEnvelope(ctx context.Context, env *envelope.Envelope) error {
	return b.publish(ctx, env.RecipientID, &brokerFrame{
		Version:  brokerFrameVersion,
		Kind:     frameEnvelope,
		Origin:   b.nodeID,
		UserID:   env.RecipientID,
		Envelope: env,
	})
}

// PublishFrame forwards a best-effort client frame to the nodes hosting
// userID.
func (b *Bridge) PublishFrame(ctx context.Context, userID uuid.UUID, raw []byte) error {
	return b.publish(ctx, userID, &brokerFrame{
		Version: brokerFrameVersion,
		Kind:    frameRaw,
		Origin:  b.nodeID,
		UserID:  userID,
		Raw:     raw,
	})
}

func (b *Bridge) publish(ctx context.Context, userID uuid.UUID, bf *brokerFrame) error {
	nodes, err := b.LookupNodes(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrBrokerTransient, err)
	}
	if len(nodes) == 0 {
		return envelope.ErrUnreachable
	}
	data, err := cbor.Marshal(bf)
	if err != nil {
		return fmt.Errorf("bridge: encode broker frame: %w", err)
	}
	var lastErr error
	published := 0
	for _, node := range nodes {
		if err := b.rdb.Publish(ctx, nodeChannel(node), data).Err(); err != nil {
			lastErr = err
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("%w: %v", envelope.ErrBrokerTransient, lastErr)
	}
	return nil
}

// DeviceOnline records a device in the presence directory and announces
// the user's first device coming up.
func (b *Bridge) DeviceOnline(ctx context.Context, userID, deviceID uuid.UUID) error {
	key := directoryKey(userID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, deviceID.String(), b.nodeID)
	pipe.Expire(ctx, key, directoryTTL)
	count := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		instrument.PresenceDegraded()
		return fmt.Errorf("bridge: presence update: %w", err)
	}
	b.lookup.Remove(userID)
	if count.Val() == 1 {
		b.announcePresence(ctx, userID, true)
	}
	return nil
}

// DeviceOffline removes a device from the directory and announces the
// user's last device going away.
func (b *Bridge) DeviceOffline(ctx context.Context, userID, deviceID uuid.UUID) error {
	key := directoryKey(userID)
	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, key, deviceID.String())
	count := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		instrument.PresenceDegraded()
		return fmt.Errorf("bridge: presence update: %w", err)
	}
	b.lookup.Remove(userID)
	if count.Val() == 0 {
		b.announcePresence(ctx, userID, false)
	}
	return nil
}

// RefreshPresence re-asserts this node's directory entry for a device.
// Called on heartbeats so directory entries outlive their TTL only as
// long as the device stays live.
func (b *Bridge) RefreshPresence(ctx context.Context, userID, deviceID uuid.UUID) error {
	key := directoryKey(userID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, deviceID.String(), b.nodeID)
	pipe.Expire(ctx, key, directoryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Bridge) announcePresence(ctx context.Context, userID uuid.UUID, online bool) {
	data, err := cbor.Marshal(&brokerFrame{
		Version: brokerFrameVersion,
		Kind:    framePresence,
		Origin:  b.nodeID,
		UserID:  userID,
		Online:  online,
	})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, presenceChannel, data).Err(); err != nil {
		b.log.Warningf("presence announce for %s: %v", userID, err)
		instrument.PresenceDegraded()
	}
}

// subscriberWorker consumes this node's channel and the presence feed,
// reconnecting with capped exponential backoff when the broker drops.
func (b *Bridge) subscriberWorker() {
	backoff := resubscribeBackoffFloor
	for {
		select {
		case <-b.HaltCh():
			return
		default:
		}

		if err := b.consume(); err != nil {
			b.log.Warningf("broker subscription lost: %v", err)
			instrument.BrokerFailure()
			b.auditLog.Submit(audit.Event{
				Type:     audit.EventBrokerDegraded,
				Severity: audit.SeverityMedium,
				Identity: b.nodeID,
				Message:  fmt.Sprintf("broker subscription lost: %v", err),
			})
		}

		select {
		case <-b.HaltCh():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > resubscribeBackoffCeil {
			backoff = resubscribeBackoffCeil
		}
	}
}

func (b *Bridge) consume() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.HaltCh()
		cancel()
	}()

	sub := b.rdb.Subscribe(ctx, nodeChannel(b.nodeID), presenceChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg *redis.Message) {
	var bf brokerFrame
	if err := cbor.Unmarshal([]byte(msg.Payload), &bf); err != nil {
		b.log.Warningf("undecodable broker frame on %s: %v", msg.Channel, err)
		return
	}
	if bf.Version != brokerFrameVersion {
		b.log.Warningf("broker frame version %d on %s, dropping", bf.Version, msg.Channel)
		return
	}
	if bf.Origin == b.nodeID {
		return
	}

	switch bf.Kind {
	case frameEnvelope:
		if bf.Envelope == nil {
			return
		}
		if b.Seen(bf.Envelope.MessageID) {
			return
		}
		b.sink.HandleRemote(ctx, bf.Envelope)
	case frameRaw:
		b.sink.HandleRemoteFrame(bf.UserID, bf.Raw)
	case framePresence:
		// A presence change anywhere invalidates our cached routing
		// for that user.
		b.lookup.Remove(bf.UserID)
	default:
		b.log.Warningf("unknown broker frame kind %d", bf.Kind)
	}
}

// Shutdown halts the subscriber.
func (b *Bridge) Shutdown() {
	b.Halt()
}
