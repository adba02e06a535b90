// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType enumerates the uplink frame kinds of spec §4.3.
type FrameType uint16

const (
	FramePing              FrameType = 0
	FrameOrder             FrameType = 1
	FrameOrderConfirm      FrameType = 2
	FrameLogs              FrameType = 3
	FrameDataStream        FrameType = 4
	FrameDataStreamConfirm FrameType = 5
	FrameDataStreamReject  FrameType = 6
	FrameOrderReject       FrameType = 9
	FrameFetchOrders       FrameType = 10
)

// HeaderSize is the fixed-size prefix before payload bytes:
// u32 payload_len | u16 transaction_id | u16 frame_type.
const HeaderSize = 4 + 2 + 2

// Frame is one decoded uplink message.
type Frame struct {
	TransactionID uint16
	Type          FrameType
	Payload       []byte
}

// EncodeFrame renders f as header+payload bytes ready to write to the
// socket.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], f.TransactionID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Type))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses one frame from the front of buf, returning the frame,
// the unconsumed remainder, and ok=false if buf does not yet hold a full
// frame (spec §4.3: "a frame is delivered only when payload_len + header
// bytes are available").
func DecodeFrame(buf []byte) (frame Frame, rest []byte, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Frame{}, buf, false, nil
	}
	payloadLen := binary.BigEndian.Uint32(buf[0:4])
	tid := binary.BigEndian.Uint16(buf[4:6])
	ftype := binary.BigEndian.Uint16(buf[6:8])

	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return Frame{}, buf, false, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:total])
	return Frame{TransactionID: tid, Type: FrameType(ftype), Payload: payload}, buf[total:], true, nil
}

func (t FrameType) String() string {
	switch t {
	case FramePing:
		return "PING"
	case FrameOrder:
		return "ORDER"
	case FrameOrderConfirm:
		return "ORDER_CONFIRM"
	case FrameLogs:
		return "LOGS"
	case FrameDataStream:
		return "DATA_STREAM"
	case FrameDataStreamConfirm:
		return "DATA_STREAM_CONFIRM"
	case FrameDataStreamReject:
		return "DATA_STREAM_REJECT"
	case FrameOrderReject:
		return "ORDER_REJECT"
	case FrameFetchOrders:
		return "FETCH_ORDERS"
	default:
		return fmt.Sprintf("FRAME_%d", uint16(t))
	}
}
