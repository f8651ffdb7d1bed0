// abuse.go - Abuse detection.
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

package admission

import (
	"sync"
	"time"
)

// abuseDetector counts violations per identity over a rolling window.
// The violation history is node-local; the strict flag the Limiter sets
// on threshold crossing lives in shared storage, so the escalation
// itself is visible cluster-wide.
type abuseDetector struct {
	sync.Mutex

	threshold  int
	window     time.Duration
	violations map[string][]time.Time
	lastSweep  time.Time
}

func newAbuseDetector(threshold int, window time.Duration) *abuseDetector {
	return &abuseDetector{
		threshold:  threshold,
		window:     window,
		violations: make(map[string][]time.Time),
		lastSweep:  time.Now(),
	}
}

// record adds one violation and reports whether the identity just
// crossed the threshold within the window.
func (d *abuseDetector) record(dim Dimension, identity string) bool {
	d.Lock()
	defer d.Unlock()

	now := time.Now()
	k := string(dim) + ":" + identity

	recent := filterAfter(d.violations[k], now.Add(-d.window))
	recent = append(recent, now)
	d.violations[k] = recent

	// Opportunistic sweep so idle identities don't accumulate forever.
	if now.Sub(d.lastSweep) > d.window {
		for key, ts := range d.violations {
			if kept := filterAfter(ts, now.Add(-d.window)); len(kept) == 0 {
				delete(d.violations, key)
			} else {
				d.violations[key] = kept
			}
		}
		d.lastSweep = now
	}

	if len(recent) >= d.threshold {
		// Crossing consumed, start the next window fresh.
		delete(d.violations, k)
		return true
	}
	return false
}

func (d *abuseDetector) reset(dim Dimension, identity string) {
	d.Lock()
	defer d.Unlock()
	delete(d.violations, string(dim)+":"+identity)
}

func filterAfter(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
