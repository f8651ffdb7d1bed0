// worker_test.go - Worker tests.
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

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaltWaitsForAllLoops(t *testing.T) {
	var w Worker
	var exited atomic.Int32

	for i := 0; i < 3; i++ {
		w.Go(func() {
			<-w.HaltCh()
			exited.Add(1)
		})
	}

	w.Halt()
	require.Equal(t, int32(3), exited.Load())
}

func TestZeroValueHaltCh(t *testing.T) {
	var w Worker
	select {
	case <-w.HaltCh():
		t.Fatal("halt channel closed before Halt")
	default:
	}
}

func TestDoubleHaltPanics(t *testing.T) {
	var w Worker
	w.Halt()
	assert.Panics(t, func() { w.Halt() })
}
