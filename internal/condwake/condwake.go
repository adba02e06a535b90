// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package condwake implements the `data_to_update` condition variable
// pattern: any store mutation that should shorten a worker's idle wait
// calls Signal, and the worker calls Wait with its normal poll period
// as a ceiling (spec §4.6 "periodic loop ... interruptible by a
// condition variable").
package condwake

import (
	"sync"
	"time"
)

// Waker broadcasts a wakeup to every current waiter by closing and
// replacing a channel, rather than via sync.Cond, so a bounded Wait
// never leaves a goroutine blocked past its timeout.
type Waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func New() *Waker {
	return &Waker{ch: make(chan struct{})}
}

// Signal wakes every goroutine currently in Wait.
func (w *Waker) Signal() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

func (w *Waker) current() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Wait blocks until the next Signal or until timeout elapses, whichever
// comes first. It reports whether it was woken by a Signal.
func (w *Waker) Wait(timeout time.Duration) bool {
	select {
	case <-w.current():
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitCancellable is like Wait but also returns early if done fires
// (agent termination).
func (w *Waker) WaitCancellable(timeout time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.current():
		return true
	case <-t.C:
		return false
	case <-done:
		return false
	}
}
