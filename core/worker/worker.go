// worker.go - Managed background go routines.
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

// Package worker ties a group of background goroutines to a single halt
// signal.  Subsystems embed Worker and spawn their loops with Go; a
// Halt closes the shared channel and blocks until every loop returns.
package worker

import "sync"

// Worker is a group of goroutines sharing one halt signal.  The zero
// value is ready to use.  Halt must be called at most once; a second
// call panics, surfacing broken shutdown ordering instead of hanging.
type Worker struct {
	wg       sync.WaitGroup
	initOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}

// Go runs fn under the Worker.  fn must select on HaltCh and return
// when it closes.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Halt signals every goroutine started under the Worker and waits for
// all of them to return.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.wg.Wait()
}
