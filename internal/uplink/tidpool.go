// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package uplink implements C4, the framed persistent uplink: the
// connection state machine, transaction-ID allocator, ping keep-alive, and
// settlement futures keyed by transaction ID.
package uplink

import (
	"fmt"
	"sync"
)

// tidPool allocates 16-bit transaction IDs from [1, 2^15), per spec §3.
// Zero is reserved (never allocated) so a zero-value Frame.TransactionID
// can be recognised as "no tid" by callers that need it.
type tidPool struct {
	mu   sync.Mutex
	next uint16
	free map[uint16]bool
	used map[uint16]bool
}

const tidLimit = 1 << 15

func newTidPool() *tidPool {
	return &tidPool{next: 1, free: map[uint16]bool{}, used: map[uint16]bool{}}
}

// Alloc returns a fresh tid, or an error once the pool is exhausted (spec
// §3 "exhaustion is a fatal uplink error").
func (p *tidPool) Alloc() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tid := range p.free {
		delete(p.free, tid)
		p.used[tid] = true
		return tid, nil
	}
	if p.next >= tidLimit {
		return 0, fmt.Errorf("uplink: ran out of transaction IDs")
	}
	tid := p.next
	p.next++
	p.used[tid] = true
	return tid, nil
}

// Free reclaims tid, making it available for reuse.
func (p *tidPool) Free(tid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[tid] {
		delete(p.used, tid)
		p.free[tid] = true
	}
}

// Reset releases every allocated tid, used when the connection is reset
// (spec §4.3 "entering READY resets buffers and ping state").
func (p *tidPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 1
	p.free = map[uint16]bool{}
	p.used = map[uint16]bool{}
}

// InUse returns a snapshot of the currently allocated tids.
func (p *tidPool) InUse() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint16, 0, len(p.used))
	for tid := range p.used {
		out = append(out, tid)
	}
	return out
}
