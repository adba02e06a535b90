// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package uplink

import (
	"net"
	"sync"
	"time"

	"github.com/smok-edge/agent/internal/wire"
	"github.com/smok-edge/agent/pkg/log"
)

// State is the per-connection state machine of spec §4.3.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	pingInterval = 30 * time.Second
	readTimeout  = 120 * time.Second
	writeTimeout = 90 * time.Second
	pollInterval = time.Second
)

// OrderHandler is invoked for every inbound ORDER frame. The caller
// translates payload into Sections, enqueues them, and calls confirm once
// the last produced Section's future has resolved (spec §4.4: "the frame
// is acknowledged only after the last produced Section's future
// resolves") — confirm is safe to call from any goroutine, at any later
// time.
type OrderHandler func(payload []byte, confirm func())

// Settlement is what a tid-keyed future resolves to.
type Settlement struct {
	Err error // nil on positive settlement (CONFIRM)
}

type pendingFuture struct {
	ch chan Settlement
}

// Conn is one framed uplink connection (spec §4.3). All mutating
// operations serialize through mu, the reentrant-lock idiom the spec asks
// for, realized in Go as a plain mutex since Go has no built-in re-entrant
// lock and Conn's methods never call each other while holding it.
type Conn struct {
	mu    sync.Mutex
	state State

	netConn net.Conn
	tids    *tidPool
	futures map[uint16]*pendingFuture

	writeBuf []byte

	lastWrite       time.Time
	lastRead        time.Time
	pingOutstanding bool
	pingTid         uint16

	onOrder OrderHandler

	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewConn wraps an already-dialed connection (in production, a *tls.Conn
// from internal/cert's client TLS config; tls.Dial's return value
// satisfies net.Conn). Dial yourself so reconnection back-off policy stays
// in the caller (spec §9 "retry logic lives in the sync worker").
func NewConn(netConn net.Conn, onOrder OrderHandler) *Conn {
	return &Conn{
		state:   StateConnecting,
		netConn: netConn,
		tids:    newTidPool(),
		futures: map[uint16]*pendingFuture{},
		onOrder: onOrder,
		stopCh:  make(chan struct{}),
	}
}

// Start transitions to READY, resetting buffers and ping state, and
// launches the read and keep-alive loops. Call once per Conn.
func (c *Conn) Start() {
	c.mu.Lock()
	c.state = StateReady
	c.tids.Reset()
	c.writeBuf = nil
	c.lastWrite = time.Now()
	c.lastRead = time.Now()
	c.pingOutstanding = false
	c.mu.Unlock()

	go c.readLoop()
	go c.keepAliveLoop()
}

// State reports the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendFrame serializes frame and appends it to the write buffer; it does
// not block on the network (spec §4.3 "send_frame appends to a write
// buffer and does not wait").
func (c *Conn) SendFrame(f wire.Frame) {
	encoded := wire.EncodeFrame(f)
	c.mu.Lock()
	c.writeBuf = append(c.writeBuf, encoded...)
	c.mu.Unlock()
	c.trySend()
}

// SendAwaitingSettlement allocates a tid, sends a frame carrying it, and
// returns a channel that receives the settlement.
func (c *Conn) SendAwaitingSettlement(ftype wire.FrameType, payload []byte) (<-chan Settlement, error) {
	tid, err := c.tids.Alloc()
	if err != nil {
		c.fail(&ConnectionFailed{Reason: err.Error()})
		return nil, err
	}

	pf := &pendingFuture{ch: make(chan Settlement, 1)}
	c.mu.Lock()
	c.futures[tid] = pf
	c.mu.Unlock()

	c.SendFrame(wire.Frame{TransactionID: tid, Type: ftype, Payload: payload})
	return pf.ch, nil
}

// trySend drains the write buffer when the socket is writable (spec §4.3
// "try_send drains it when the socket is writable"). net.Conn.Write blocks
// until accepted by the OS send buffer, which is an adequate substitute
// for a readiness-selector drain in Go's blocking-I/O-per-goroutine model.
func (c *Conn) trySend() {
	c.mu.Lock()
	buf := c.writeBuf
	c.writeBuf = nil
	conn := c.netConn
	c.mu.Unlock()

	if len(buf) == 0 || conn == nil {
		return
	}
	if _, err := conn.Write(buf); err != nil {
		c.fail(&ConnectionFailed{Reason: err.Error()})
		return
	}
	c.mu.Lock()
	c.lastWrite = time.Now()
	c.mu.Unlock()
}

// readLoop pulls bytes off the socket and decodes frames one at a time
// (spec §4.3 "recv_frame pulls <= one frame per call").
func (c *Conn) readLoop() {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.netConn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.netConn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			c.mu.Lock()
			c.lastRead = time.Now()
			c.pingOutstanding = false
			c.mu.Unlock()

			for {
				frame, rest, ok, decodeErr := wire.DecodeFrame(buf)
				if decodeErr != nil {
					c.fail(&InvalidFrame{Reason: decodeErr.Error()})
					return
				}
				if !ok {
					break
				}
				buf = rest
				c.dispatch(frame)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.fail(&ConnectionFailed{Reason: err.Error()})
			return
		}
	}
}

func (c *Conn) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.FramePing:
		c.handlePing(f)
	case wire.FrameOrderConfirm, wire.FrameDataStreamConfirm:
		c.settle(f.TransactionID, Settlement{})
	case wire.FrameOrderReject:
		c.settle(f.TransactionID, Settlement{Err: &InvalidFrame{Reason: "order rejected"}})
	case wire.FrameDataStreamReject:
		c.settle(f.TransactionID, Settlement{Err: &DataStreamSyncFailed{Reason: "rejected by server"}})
	case wire.FrameOrder:
		tid := f.TransactionID
		if c.onOrder != nil {
			c.onOrder(f.Payload, func() {
				c.SendFrame(wire.Frame{TransactionID: tid, Type: wire.FrameOrderConfirm})
			})
		} else {
			c.SendFrame(wire.Frame{TransactionID: tid, Type: wire.FrameOrderConfirm})
		}
	default:
		log.Debugf("uplink: ignoring frame of type %s", f.Type)
	}
}

func (c *Conn) handlePing(f wire.Frame) {
	c.mu.Lock()
	outstanding := c.pingOutstanding && f.TransactionID == c.pingTid
	c.mu.Unlock()
	if outstanding {
		c.tids.Free(f.TransactionID)
		c.mu.Lock()
		c.pingOutstanding = false
		c.mu.Unlock()
		return
	}
	// server-initiated ping: echo it back unchanged
	c.SendFrame(f)
}

func (c *Conn) settle(tid uint16, s Settlement) {
	c.mu.Lock()
	pf, ok := c.futures[tid]
	if ok {
		delete(c.futures, tid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.tids.Free(tid)
	pf.ch <- s
}

// keepAliveLoop enforces spec §4.3's PING_INTERVAL/READ_TIMEOUT/
// WRITE_TIMEOUT policy.
func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Conn) tick() {
	now := time.Now()
	c.mu.Lock()
	sinceWrite := now.Sub(c.lastWrite)
	sinceRead := now.Sub(c.lastRead)
	pingOutstanding := c.pingOutstanding
	c.mu.Unlock()

	if pingOutstanding && sinceRead >= readTimeout {
		c.fail(&TimedOut{})
		return
	}
	if pingOutstanding && sinceWrite >= writeTimeout {
		c.fail(&TimedOut{})
		return
	}
	if !pingOutstanding && sinceWrite >= pingInterval {
		tid, err := c.tids.Alloc()
		if err != nil {
			c.fail(&ConnectionFailed{Reason: err.Error()})
			return
		}
		c.mu.Lock()
		c.pingOutstanding = true
		c.pingTid = tid
		c.mu.Unlock()
		c.SendFrame(wire.Frame{TransactionID: tid, Type: wire.FramePing})
	}
}

// fail transitions to DISCONNECTED, resolves every outstanding future with
// err, and stops the connection's goroutines (spec §7 "ConnectionFailed
// inside uplink -> close the socket, release all tid futures").
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	futures := c.futures
	c.futures = map[uint16]*pendingFuture{}
	c.mu.Unlock()

	for _, pf := range futures {
		pf.ch <- Settlement{Err: err}
	}
	log.Warnf("uplink: connection failed: %v", err)
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.netConn.Close()
}

// Close transitions to CLOSED, resolving any outstanding futures with a
// closing ConnectionFailed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	futures := c.futures
	c.futures = map[uint16]*pendingFuture{}
	c.mu.Unlock()

	for _, pf := range futures {
		pf.ch <- Settlement{Err: &ConnectionFailed{Reason: "closing", Closing: true}}
	}
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.netConn.Close()
}
