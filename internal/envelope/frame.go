// frame.go - Wire frames and the closed kind set.
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

// Package envelope implements the signed delivery envelope protocol: the
// closed frame kind set, the validation pipeline, acceptance sequencing
// and the sent/delivered/read state machine.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame validation errors.
var (
	ErrMalformedFrame    = errors.New("envelope: malformed frame")
	ErrUnknownKind       = errors.New("envelope: unknown frame kind")
	ErrSignatureMismatch = errors.New("envelope: signature mismatch")
	ErrReplay            = errors.New("envelope: replayed nonce")
	ErrStaleTimestamp    = errors.New("envelope: timestamp outside acceptance window")

	// ErrUnreachable is returned by a RemotePublisher when no node hosts
	// a live connection for the target user; the caller persists to the
	// offline inbox.
	ErrUnreachable = errors.New("envelope: recipient unreachable")

	// ErrBrokerTransient is returned when the broker is unavailable.
	// Callers degrade gracefully and the broker is retried in the
	// background; this error never crashes the node.
	ErrBrokerTransient = errors.New("envelope: broker transiently unavailable")
)

// Kind is one member of the closed frame kind set.  Inbound frames with
// any other type string are rejected during parsing, never silently
// ignored.
type Kind uint8

const (
	// KindSend carries an opaque encrypted payload to a recipient.
	KindSend Kind = iota

	// KindDeliver carries an accepted envelope to a recipient device.
	KindDeliver

	// KindSentAck acknowledges acceptance back to the sender.
	KindSentAck

	// KindStatus carries a delivered/read status update referencing a
	// message ID.
	KindStatus

	// KindAccept marks a conversation as accepted by the recipient,
	// enabling delivered/read signaling to the sender.
	KindAccept

	// KindTyping is a relayed, never persisted typing indicator.
	KindTyping

	// KindPresence carries a presence change.
	KindPresence

	// KindHeartbeat refreshes a connection's liveness deadline.
	KindHeartbeat

	// KindHeartbeatAck answers a heartbeat.
	KindHeartbeatAck

	// KindError reports a protocol error to the client.
	KindError
)

var kindNames = map[Kind]string{
	KindSend:         "send",
	KindDeliver:      "deliver",
	KindSentAck:      "sent_ack",
	KindStatus:       "status_update",
	KindAccept:       "conversation_accept",
	KindTyping:       "typing",
	KindPresence:     "presence",
	KindHeartbeat:    "heartbeat",
	KindHeartbeatAck: "heartbeat_ack",
	KindError:        "error",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a wire type string onto the closed kind set.
func ParseKind(s string) (Kind, error) {
	k, ok := kindsByName[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Frame is the client-facing wire frame.  The payload is opaque to this
// core; it is carried, never inspected.
type Frame struct {
	Type      string          `json:"type"`
	MessageID uuid.UUID       `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Server-populated fields on outbound deliver/status frames.
	SenderID uuid.UUID `json:"sender_id,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
}

// ParseFrame decodes raw into a Frame with a known kind.
func ParseFrame(raw []byte) (*Frame, Kind, error) {
	f := new(Frame)
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	k, err := ParseKind(f.Type)
	if err != nil {
		return nil, 0, err
	}
	return f, k, nil
}

// canonicalTimeFormat matches the fixed millisecond format clients sign,
// so both ends MAC identical bytes.
const canonicalTimeFormat = "2006-01-02T15:04:05.000Z"

// CanonicalBytes returns the byte string the frame signature covers:
// the (type, timestamp, message ID, payload) tuple.
func (f *Frame) CanonicalBytes() []byte {
	ts := "0"
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.UTC().Format(canonicalTimeFormat)
	}
	s := fmt.Sprintf("%s:%s:%s:%s", f.Type, ts, f.MessageID.String(), string(f.Payload))
	return []byte(s)
}

// DecodeSignature returns the frame signature bytes.
func (f *Frame) DecodeSignature() ([]byte, error) {
	if f.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedFrame)
	}
	sig, err := hex.DecodeString(f.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable signature", ErrMalformedFrame)
	}
	return sig, nil
}

// SendPayload is the portion of a send frame's payload the relay must
// read to route it.  Everything else stays opaque ciphertext.
type SendPayload struct {
	RecipientID uuid.UUID       `json:"recipient_id"`
	Sealed      bool            `json:"sealed,omitempty"`
	Ciphertext  json.RawMessage `json:"ciphertext"`
}

// StatusPayload is the payload of a status_update frame.
type StatusPayload struct {
	Status string `json:"status"`
}

// AcceptPayload is the payload of a conversation_accept frame.
type AcceptPayload struct {
	PeerID uuid.UUID `json:"peer_id"`
}

// TypingPayload is the routing portion of a typing frame.
type TypingPayload struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	IsTyping    bool      `json:"is_typing"`
}

// MustMarshal encodes v as JSON, falling back to an empty object.  It is
// used for server-built frames whose fields cannot fail to encode.
func MustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
