// envelope.go - The accepted envelope record.
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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is an accepted send frame, immutable from acceptance onward.
// It is what moves between nodes, into inboxes, and out to recipient
// devices; the Ciphertext is never inspected.  CBOR tags cover the
// broker and inbox encodings.
type Envelope struct {
	MessageID   uuid.UUID       `cbor:"1,keyasint"`
	SenderID    uuid.UUID       `cbor:"2,keyasint"`
	RecipientID uuid.UUID       `cbor:"3,keyasint"`
	Sealed      bool            `cbor:"4,keyasint"`
	Seq         uint64          `cbor:"5,keyasint"`
	Ciphertext  json.RawMessage `cbor:"6,keyasint"`
	SentAt      time.Time       `cbor:"7,keyasint"`
	AcceptedAt  time.Time       `cbor:"8,keyasint"`
}

// DeliverFrame builds the client wire frame for this envelope.  Sealed
// envelopes omit the sender identity; the sender is only inside the
// ciphertext, readable by the recipient alone.
func (e *Envelope) DeliverFrame() *Frame {
	f := &Frame{
		Type:      KindDeliver.String(),
		MessageID: e.MessageID,
		Timestamp: e.SentAt,
		Seq:       e.Seq,
		Payload:   e.Ciphertext,
	}
	if !e.Sealed {
		f.SenderID = e.SenderID
	}
	return f
}
