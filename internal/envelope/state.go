// state.go - Delivery record state machine.
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
	"errors"
	"fmt"
)

// DeliveryState is a delivery record's position in the forward-only
// sent -> delivered -> read progression.  Failed is terminal and only
// reachable from sent.
type DeliveryState uint8

const (
	StateSent DeliveryState = iota + 1
	StateDelivered
	StateRead
	StateFailed
)

// ErrStateRegression is returned when a status update would move a
// delivery record backward or skip the delivered step.
var ErrStateRegression = errors.New("envelope: delivery state regression")

var stateNames = map[DeliveryState]string{
	StateSent:      "sent",
	StateDelivered: "delivered",
	StateRead:      "read",
	StateFailed:    "failed",
}

func (s DeliveryState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", s)
}

// ParseDeliveryState maps a wire status string onto a state.
func ParseDeliveryState(s string) (DeliveryState, error) {
	for st, n := range stateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrMalformedFrame, s)
}

// CanAdvance reports whether a record at from may move to to.  Repeats
// of the current state are not an advance but are not a violation
// either; the caller treats them as idempotent no-ops.
func CanAdvance(from, to DeliveryState) bool {
	switch to {
	case StateDelivered:
		return from == StateSent
	case StateRead:
		return from == StateDelivered
	case StateFailed:
		return from == StateSent
	default:
		return false
	}
}
