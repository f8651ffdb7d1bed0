// pipeline.go - Envelope validation and delivery orchestration.
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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/instrument"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/keys"
)

const deliveryBacklog = 1024

// Session identifies the authenticated owner of a connection.
type Session struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

// LocalDeliverer pushes frames onto connections this node owns.  The
// connection hub implements it.
type LocalDeliverer interface {
	// SendToUser writes raw to every live device of userID and returns
	// the device IDs that were reached.
	SendToUser(userID uuid.UUID, raw []byte) []uuid.UUID

	// SendToDevice writes raw to one device, reporting whether the
	// device was present.
	SendToDevice(userID, deviceID uuid.UUID, raw []byte) bool
}

// RemotePublisher hands traffic to peer nodes.  The cluster bridge
// implements it.
type RemotePublisher interface {
	// PublishEnvelope forwards an accepted envelope toward the node(s)
	// hosting the recipient.  ErrUnreachable means no node has a live
	// connection; ErrBrokerTransient means the broker is down.
	PublishEnvelope(ctx context.Context, env *Envelope) error

	// PublishFrame forwards a best-effort frame (receipts, typing) to
	// whichever nodes host userID.
	PublishFrame(ctx context.Context, userID uuid.UUID, raw []byte) error
}

// InboxStore persists envelopes for offline recipients.
type InboxStore interface {
	Append(ctx context.Context, env *Envelope) error

	// Drain replays stored envelopes oldest-first.  consume reports
	// whether the envelope reached the device; only then is it
	// removed.  Drain stops at the first envelope consume declines.
	Drain(ctx context.Context, userID uuid.UUID, consume func(*Envelope) bool) error

	// DeadLetter parks an envelope that exhausted its retry budget.
	DeadLetter(ctx context.Context, env *Envelope) error
}

// Pipeline is the signed envelope protocol core: it validates inbound
// frames, assigns sequence numbers, runs the delivery state machine and
// routes envelopes local-first, then cluster, then inbox.
type Pipeline struct {
	worker.Worker

	log      *logging.Logger
	keyring  *keys.Manager
	state    SharedState
	local    LocalDeliverer
	remote   RemotePublisher
	inbox    InboxStore
	auditLog *audit.Log

	acceptanceWindow time.Duration
	recordTTL        time.Duration

	deliveryCh chan *Envelope
}

// PipelineConfig collects the pipeline's collaborators and tunables.
type PipelineConfig struct {
	Log      *logging.Logger
	Keyring  *keys.Manager
	State    SharedState
	Local    LocalDeliverer
	Remote   RemotePublisher
	Inbox    InboxStore
	AuditLog *audit.Log

	AcceptanceWindow time.Duration
	RecordTTL        time.Duration
	DeliveryWorkers  int
}

// NewPipeline constructs the pipeline and starts its delivery workers.
func NewPipeline(cfg *PipelineConfig) *Pipeline {
	p := &Pipeline{
		log:              cfg.Log,
		keyring:          cfg.Keyring,
		state:            cfg.State,
		local:            cfg.Local,
		remote:           cfg.Remote,
		inbox:            cfg.Inbox,
		auditLog:         cfg.AuditLog,
		acceptanceWindow: cfg.AcceptanceWindow,
		recordTTL:        cfg.RecordTTL,
		deliveryCh:       make(chan *Envelope, deliveryBacklog),
	}
	n := cfg.DeliveryWorkers
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		p.Go(p.deliveryWorker)
	}
	return p
}

// OnFrame handles one inbound client frame, already parsed by the hub.
// A returned ErrSignatureMismatch instructs the hub to terminate the
// connection; other errors are reported to the client and the
// connection survives.
func (p *Pipeline) OnFrame(ctx context.Context, sess Session, f *Frame, kind Kind) error {
	if err := p.admit(ctx, sess, f); err != nil {
		return err
	}

	switch kind {
	case KindSend:
		return p.handleSend(ctx, sess, f)
	case KindStatus:
		return p.handleStatus(ctx, sess, f)
	case KindAccept:
		return p.handleAccept(ctx, sess, f)
	case KindTyping:
		return p.handleTyping(ctx, sess, f)
	case KindHeartbeat, KindHeartbeatAck:
		// Heartbeats carry no state but must still pass admission; the
		// hub refreshes liveness only on a nil return.
		return nil
	default:
		// Deliver, acks and error frames are server-originated only.
		instrument.EnvelopeRejected("kind_not_client")
		return fmt.Errorf("%w: %s is not a client frame", ErrMalformedFrame, kind)
	}
}

// admit runs the validation pipeline in order: verify signature, check
// the timestamp acceptance window, then reserve the nonce in shared
// state.  Order matters; a replayed frame with a bad signature is a
// signature failure, not a replay.
func (p *Pipeline) admit(ctx context.Context, sess Session, f *Frame) error {
	sig, err := f.DecodeSignature()
	if err != nil {
		instrument.EnvelopeRejected("malformed")
		p.auditLog.Security(audit.EventMalformedFrame, audit.SeverityLow, sess.UserID.String(), err.Error())
		return err
	}
	if !p.keyring.VerifyFrame(f.CanonicalBytes(), sig) {
		instrument.EnvelopeRejected("signature")
		p.auditLog.Security(audit.EventSignatureMismatch, audit.SeverityHigh, sess.UserID.String(),
			fmt.Sprintf("bad frame signature on %s", f.Type))
		return ErrSignatureMismatch
	}

	if skew := time.Since(f.Timestamp); skew > p.acceptanceWindow || skew < -p.acceptanceWindow {
		instrument.EnvelopeRejected("stale")
		return fmt.Errorf("%w: skew %v", ErrStaleTimestamp, skew)
	}

	if f.Nonce == "" {
		instrument.EnvelopeRejected("malformed")
		return fmt.Errorf("%w: missing nonce", ErrMalformedFrame)
	}
	// Nonces live cluster-wide so a frame replayed against another node
	// is still caught.  Twice the acceptance window covers frames dated
	// up to one window into the future.
	fresh, err := p.state.ReserveNonce(ctx, f.Nonce, 2*p.acceptanceWindow)
	if err != nil {
		return fmt.Errorf("envelope: nonce reservation: %w", err)
	}
	if !fresh {
		instrument.EnvelopeRejected("replay")
		p.auditLog.Submit(audit.Event{
			Type:     audit.EventReplayAttempt,
			Severity: audit.SeverityMedium,
			Identity: sess.UserID.String(),
			Message:  fmt.Sprintf("replayed nonce on %s frame %s", f.Type, f.MessageID),
		})
		return ErrReplay
	}

	return nil
}

func (p *Pipeline) handleSend(ctx context.Context, sess Session, f *Frame) error {
	var payload SendPayload
	if err := decodePayload(f.Payload, &payload); err != nil {
		instrument.EnvelopeRejected("malformed")
		return err
	}
	if payload.RecipientID == uuid.Nil {
		instrument.EnvelopeRejected("malformed")
		return fmt.Errorf("%w: missing recipient", ErrMalformedFrame)
	}
	if f.MessageID == uuid.Nil {
		instrument.EnvelopeRejected("malformed")
		return fmt.Errorf("%w: missing message id", ErrMalformedFrame)
	}

	seq, err := p.state.NextSeq(ctx, sess.UserID, payload.RecipientID, payload.Sealed)
	if err != nil {
		return err
	}
	env := &Envelope{
		MessageID:   f.MessageID,
		SenderID:    sess.UserID,
		RecipientID: payload.RecipientID,
		Sealed:      payload.Sealed,
		Seq:         seq,
		Ciphertext:  payload.Ciphertext,
		SentAt:      f.Timestamp,
		AcceptedAt:  time.Now().UTC(),
	}
	created, origSeq, err := p.state.CreateRecord(ctx, env, p.recordTTL)
	if err != nil {
		return err
	}
	if !created {
		// Retransmit of a known message: re-ack with the sequence the
		// original send was assigned and deliver nothing.  The drawn
		// sequence number is abandoned; gaps are fine, regressions are
		// not.
		ack := MustMarshal(&Frame{
			Type:      KindSentAck.String(),
			MessageID: env.MessageID,
			Seq:       origSeq,
			Timestamp: time.Now().UTC(),
		})
		p.local.SendToDevice(sess.UserID, sess.DeviceID, ack)
		return nil
	}
	instrument.EnvelopeAccepted()

	ack := MustMarshal(&Frame{
		Type:      KindSentAck.String(),
		MessageID: env.MessageID,
		Seq:       env.Seq,
		Timestamp: env.AcceptedAt,
	})
	p.local.SendToDevice(sess.UserID, sess.DeviceID, ack)

	select {
	case p.deliveryCh <- env:
	case <-p.HaltCh():
		return errors.New("envelope: pipeline shutting down")
	}
	return nil
}

func (p *Pipeline) handleStatus(ctx context.Context, sess Session, f *Frame) error {
	var payload StatusPayload
	if err := decodePayload(f.Payload, &payload); err != nil {
		return err
	}
	to, err := ParseDeliveryState(payload.Status)
	if err != nil {
		return err
	}
	if to != StateDelivered && to != StateRead {
		return fmt.Errorf("%w: clients may only report delivered or read", ErrMalformedFrame)
	}

	// Only the recipient of a message may advance its record, checked
	// before any mutation.
	meta, err := p.state.Record(ctx, f.MessageID)
	if err != nil {
		return err
	}
	if meta.RecipientID != sess.UserID {
		p.auditLog.Security(audit.EventAuthFailure, audit.SeverityMedium, sess.UserID.String(),
			fmt.Sprintf("status update for foreign message %s", f.MessageID))
		return fmt.Errorf("%w: not the recipient", ErrMalformedFrame)
	}

	meta, advanced, err := p.state.AdvanceRecord(ctx, f.MessageID, to)
	if errors.Is(err, ErrStateRegression) {
		// A delivered report racing behind a read is expected with
		// multiple devices; the forward-only record already holds the
		// later state and the stale report is simply dropped.
		return nil
	}
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	p.propagateStatus(ctx, meta, f.MessageID, to)
	return nil
}

// propagateStatus forwards a delivered/read receipt to the sender, but
// only once the recipient has accepted the conversation.  Before
// acceptance, senders learn nothing about delivery.
func (p *Pipeline) propagateStatus(ctx context.Context, meta RecordMeta, messageID uuid.UUID, state DeliveryState) {
	if meta.Sealed {
		// Sealed envelopes carry no sender identity on the wire, so
		// there is no one to notify.
		return
	}
	accepted, err := p.state.IsAccepted(ctx, meta.RecipientID, meta.SenderID)
	if err != nil {
		p.log.Warningf("acceptance lookup for %s failed: %v", messageID, err)
		return
	}
	if !accepted {
		return
	}

	raw := MustMarshal(&Frame{
		Type:      KindStatus.String(),
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
		Payload:   MustMarshal(&StatusPayload{Status: state.String()}),
	})
	if reached := p.local.SendToUser(meta.SenderID, raw); len(reached) > 0 {
		return
	}
	// Receipts are best effort; an offline sender reads the record
	// state from a later query instead.
	if err := p.remote.PublishFrame(ctx, meta.SenderID, raw); err != nil &&
		!errors.Is(err, ErrUnreachable) {
		p.log.Debugf("receipt fan-out for %s: %v", messageID, err)
	}
}

func (p *Pipeline) handleAccept(ctx context.Context, sess Session, f *Frame) error {
	var payload AcceptPayload
	if err := decodePayload(f.Payload, &payload); err != nil {
		return err
	}
	if payload.PeerID == uuid.Nil {
		return fmt.Errorf("%w: missing peer", ErrMalformedFrame)
	}
	return p.state.MarkAccepted(ctx, sess.UserID, payload.PeerID)
}

func (p *Pipeline) handleTyping(ctx context.Context, sess Session, f *Frame) error {
	var payload TypingPayload
	if err := decodePayload(f.Payload, &payload); err != nil {
		return err
	}
	// Typing is ephemeral: relayed if someone is listening, otherwise
	// dropped on the floor.  It never touches the inbox.
	raw := MustMarshal(&Frame{
		Type:      KindTyping.String(),
		SenderID:  sess.UserID,
		Timestamp: time.Now().UTC(),
		Payload:   MustMarshal(&payload),
	})
	if reached := p.local.SendToUser(payload.RecipientID, raw); len(reached) > 0 {
		return nil
	}
	if err := p.remote.PublishFrame(ctx, payload.RecipientID, raw); err != nil &&
		!errors.Is(err, ErrUnreachable) && !errors.Is(err, ErrBrokerTransient) {
		return err
	}
	return nil
}

func (p *Pipeline) deliveryWorker() {
	for {
		select {
		case <-p.HaltCh():
			return
		case env := <-p.deliveryCh:
			p.deliver(context.Background(), env)
		}
	}
}

// deliver routes one accepted envelope: local devices first, then the
// cluster bridge, then the offline inbox.
func (p *Pipeline) deliver(ctx context.Context, env *Envelope) {
	raw := MustMarshal(env.DeliverFrame())
	if reached := p.local.SendToUser(env.RecipientID, raw); len(reached) > 0 {
		instrument.Delivered("local")
		p.markDelivered(ctx, env)
		return
	}

	err := p.remote.PublishEnvelope(ctx, env)
	switch {
	case err == nil:
		instrument.Delivered("bridge")
		return
	case errors.Is(err, ErrUnreachable):
		// Fall through to the inbox.
	case errors.Is(err, ErrBrokerTransient):
		instrument.BrokerFailure()
		p.log.Warningf("broker unavailable, inboxing %s", env.MessageID)
	default:
		p.log.Errorf("bridge publish for %s: %v", env.MessageID, err)
	}

	if err := p.inbox.Append(ctx, env); err != nil {
		p.parkDeadLetter(ctx, env, err)
		return
	}
	instrument.Delivered("inbox")
}

// markDelivered advances the record after a successful local write and
// propagates the receipt.
func (p *Pipeline) markDelivered(ctx context.Context, env *Envelope) {
	meta, advanced, err := p.state.AdvanceRecord(ctx, env.MessageID, StateDelivered)
	if err != nil {
		if !errors.Is(err, ErrStateRegression) {
			p.log.Warningf("delivery record advance for %s: %v", env.MessageID, err)
		}
		return
	}
	if advanced {
		p.propagateStatus(ctx, meta, env.MessageID, StateDelivered)
	}
}

// parkDeadLetter is the end of the line: the inbox rejected the
// envelope, so the record is failed and the ciphertext parked for
// operator replay.
func (p *Pipeline) parkDeadLetter(ctx context.Context, env *Envelope, cause error) {
	p.log.Errorf("inbox append for %s failed: %v", env.MessageID, cause)
	if _, _, err := p.state.AdvanceRecord(ctx, env.MessageID, StateFailed); err != nil {
		p.log.Warningf("failing record %s: %v", env.MessageID, err)
	}
	instrument.DeadLetter()
	p.auditLog.Submit(audit.Event{
		Type:     audit.EventDeadLetter,
		Severity: audit.SeverityCritical,
		Identity: env.RecipientID.String(),
		Message:  fmt.Sprintf("envelope %s dead-lettered: %v", env.MessageID, cause),
	})
	if err := p.inbox.DeadLetter(ctx, env); err != nil {
		p.log.Errorf("dead-letter store for %s: %v", env.MessageID, err)
	}
}

// HandleRemote delivers an envelope that arrived over the bridge.  If
// the hosting race was lost and no local device remains, the envelope
// goes to the inbox rather than vanishing.
func (p *Pipeline) HandleRemote(ctx context.Context, env *Envelope) {
	raw := MustMarshal(env.DeliverFrame())
	if reached := p.local.SendToUser(env.RecipientID, raw); len(reached) > 0 {
		instrument.Delivered("local")
		p.markDelivered(ctx, env)
		return
	}
	if err := p.inbox.Append(ctx, env); err != nil {
		p.parkDeadLetter(ctx, env, err)
		return
	}
	instrument.Delivered("inbox")
}

// HandleRemoteFrame pushes a best-effort frame from the bridge to local
// devices.
func (p *Pipeline) HandleRemoteFrame(userID uuid.UUID, raw []byte) {
	p.local.SendToUser(userID, raw)
}

// DrainInbox replays stored envelopes to a freshly connected device in
// acceptance order.  An envelope is removed only after the socket write
// succeeded; a mid-drain disconnect leaves the remainder queued.
func (p *Pipeline) DrainInbox(ctx context.Context, sess Session) error {
	return p.inbox.Drain(ctx, sess.UserID, func(env *Envelope) bool {
		raw := MustMarshal(env.DeliverFrame())
		if !p.local.SendToDevice(sess.UserID, sess.DeviceID, raw) {
			return false
		}
		p.markDelivered(ctx, env)
		return true
	})
}

// Shutdown halts the delivery workers.  Queued envelopes that never
// reached a worker stay in the shared sequence space and surface as
// sent records; clients retransmit on reconnect.
func (p *Pipeline) Shutdown() {
	p.Halt()
}

func decodePayload(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
