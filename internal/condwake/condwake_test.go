// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package condwake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsTrueOnSignal(t *testing.T) {
	w := New()
	done := make(chan bool, 1)
	go func() { done <- w.Wait(time.Second) }()

	time.Sleep(10 * time.Millisecond)
	w.Signal()

	require.True(t, <-done)
}

func TestWaitReturnsFalseOnTimeout(t *testing.T) {
	w := New()
	require.False(t, w.Wait(10*time.Millisecond))
}

func TestWaitCancellableReturnsFalseOnDone(t *testing.T) {
	w := New()
	done := make(chan struct{})
	close(done)
	require.False(t, w.WaitCancellable(time.Second, done))
}

func TestSignalWakesMultipleWaiters(t *testing.T) {
	w := New()
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- w.Wait(time.Second) }()
	}
	time.Sleep(10 * time.Millisecond)
	w.Signal()

	for i := 0; i < 3; i++ {
		require.True(t, <-results)
	}
}
