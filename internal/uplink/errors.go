// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package uplink

import "fmt"

// ConnectionFailed is the uplink-level transport failure of spec §7.
type ConnectionFailed struct {
	Reason          string
	DueToNoInternet bool
	Closing         bool
}

func (e *ConnectionFailed) Error() string {
	return fmt.Sprintf("uplink: connection failed: %s", e.Reason)
}

// DataStreamSyncFailed is the negative settlement for a DATA_STREAM frame
// (server responded DATA_STREAM_REJECT).
type DataStreamSyncFailed struct {
	Reason string
}

func (e *DataStreamSyncFailed) Error() string {
	return fmt.Sprintf("uplink: data stream rejected: %s", e.Reason)
}

// InvalidFrame signals a frame the peer sent that cannot be interpreted.
type InvalidFrame struct {
	Reason string
}

func (e *InvalidFrame) Error() string {
	return fmt.Sprintf("uplink: invalid frame: %s", e.Reason)
}

// TimedOut signals a read/write keep-alive deadline elapsed while a ping
// was outstanding (spec §4.3).
type TimedOut struct{}

func (e *TimedOut) Error() string { return "uplink: timed out waiting for peer" }
