// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logpublisher implements C10: a bounded queue of log records
// batch-shipped to the cloud with a debounce window, a byte-budgeted
// drain, drop-on-memory-pressure, and exponential back-off on retry
// (spec §4.8).
package logpublisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/smok-edge/agent/internal/condwake"
	"github.com/smok-edge/agent/internal/syncworker"
	"github.com/smok-edge/agent/pkg/log"
)

// MaxBuffer is the default queue bound enforced while sync is
// disallowed (spec §4.8, "default 20,000").
const MaxBuffer = 20000

const (
	debounceWindow  = time.Second
	maxBatchBytes   = 256 * 1024
	maxBatchRecords = 500
	idleWaitCeiling = 5 * time.Second
)

// Record is the queued shape C10 works with.
type Record = syncworker.LogRecord

// Queue is the bounded, ordered record buffer.
type Queue struct {
	mu             sync.Mutex
	items          []Record
	maxBuffer      int
	lastIssuedUs   int64
	syncDisallowed bool

	waker *condwake.Waker
}

func NewQueue(maxBuffer int) *Queue {
	if maxBuffer <= 0 {
		maxBuffer = MaxBuffer
	}
	return &Queue{maxBuffer: maxBuffer, waker: condwake.New()}
}

// nextWhenUs is the monotone sequential timestamp issuer: records
// ordered within the process get strictly increasing when_us even if
// the wall clock doesn't advance between two Enqueue calls.
func (q *Queue) nextWhenUs() int64 {
	now := time.Now().UnixMicro()
	if now <= q.lastIssuedUs {
		now = q.lastIssuedUs + 1
	}
	q.lastIssuedUs = now
	return now
}

// Enqueue appends one record, dropping the oldest entries beyond
// MaxBuffer if sync is currently disallowed (spec §4.8 "silently drain
// from the tail beyond MAX_BUFFER").
func (q *Queue) Enqueue(service, message, level, exceptionText, exceptionTB string) {
	q.mu.Lock()
	rec := Record{
		Service:       service,
		WhenUs:        q.nextWhenUs(),
		Message:       message,
		Level:         level,
		ExceptionText: exceptionText,
		ExceptionTB:   exceptionTB,
	}
	q.items = append(q.items, rec)
	if q.syncDisallowed && len(q.items) > q.maxBuffer {
		drop := len(q.items) - q.maxBuffer
		q.items = q.items[drop:]
	}
	q.mu.Unlock()
	q.waker.Signal()
}

// SetSyncAllowed toggles whether the MAX_BUFFER bound is enforced.
func (q *Queue) SetSyncAllowed(allowed bool) {
	q.mu.Lock()
	q.syncDisallowed = !allowed
	q.mu.Unlock()
}

// DropAll empties the queue outright, for a memory-pressure signal from
// a watchdog (spec §4.8 "on memory pressure, drop the entire queue").
func (q *Queue) DropAll() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len reports the number of queued, undelivered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func estimateSize(r Record) int {
	return len(r.Service) + len(r.Message) + len(r.Level) + len(r.ExceptionText) + len(r.ExceptionTB) + 64
}

// drainBatch removes and returns up to maxBatchBytes (byte-preferred)
// or maxBatchRecords (count fallback) records from the head of the
// queue.
func (q *Queue) drainBatch() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []Record
	size := 0
	n := 0
	for n < len(q.items) {
		r := q.items[n]
		rs := estimateSize(r)
		if n > 0 && (size+rs > maxBatchBytes || n >= maxBatchRecords) {
			break
		}
		batch = append(batch, r)
		size += rs
		n++
	}
	q.items = q.items[n:]
	return batch
}

// Publisher drives the batch/retry loop against a syncworker.Worker.
type Publisher struct {
	queue  *Queue
	worker syncworker.Worker

	// OnRetry, when set, is called once per retried ship attempt, for
	// ambient agent instrumentation (internal/metrics).
	OnRetry func()
}

func NewPublisher(queue *Queue, worker syncworker.Worker) *Publisher {
	return &Publisher{queue: queue, worker: worker}
}

// Run drives the publish loop until done is closed (spec §4.8 batch
// policy: "on a received record, sleep briefly to pick up siblings,
// then drain the queue up to a size budget and ship").
func (p *Publisher) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		if p.queue.Len() == 0 {
			p.queue.waker.WaitCancellable(idleWaitCeiling, done)
			continue
		}

		select {
		case <-time.After(debounceWindow):
		case <-done:
			return
		}

		batch := p.queue.drainBatch()
		if len(batch) == 0 {
			continue
		}
		p.ship(batch, done)
	}
}

// ship retries a batch with exponential back-off until it succeeds or
// the server rejects it as malformed (spec §4.8 "4xx responses cause
// the batch to be dropped, not retried").
func (p *Publisher) ship(batch []Record, done <-chan struct{}) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		err := p.worker.SyncLogs(context.Background(), batch)
		if err == nil {
			return
		}

		var se *syncworker.SyncError
		if errors.As(err, &se) && se.IsClientsFault {
			log.Warnf("logpublisher: dropping %d records rejected by server: %v", len(batch), err)
			return
		}

		log.Warnf("logpublisher: shipping %d records failed, retrying: %v", len(batch), err)
		if p.OnRetry != nil {
			p.OnRetry()
		}
		select {
		case <-time.After(b.Duration()):
		case <-done:
			return
		}
	}
}
