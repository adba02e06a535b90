// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]any{
		"path": "W1",
		"values": []any{
			[]any{int64(1000), float64(42)},
		},
		"ok":  true,
		"nil": nil,
	}
	encoded := Encode(in)
	out, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeTruncatedPayloadNeedsMoreBytes(t *testing.T) {
	encoded := Encode(map[string]any{"a": "bbbb"})
	_, err := Decode(encoded[:len(encoded)-2])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{TransactionID: 7, Type: FrameDataStream, Payload: Encode(map[string]any{"x": int64(1)})}
	encoded := EncodeFrame(f)

	decoded, rest, ok, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, rest)
	require.Equal(t, f, decoded)
}

func TestDecodeFrameReportsIncompleteUntilAllBytesArrive(t *testing.T) {
	f := Frame{TransactionID: 1, Type: FramePing, Payload: []byte("hello")}
	encoded := EncodeFrame(f)

	_, _, ok, err := DecodeFrame(encoded[:HeaderSize+2])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodeFrameSplitsMultipleFramesFromOneBuffer(t *testing.T) {
	f1 := EncodeFrame(Frame{TransactionID: 1, Type: FramePing})
	f2 := EncodeFrame(Frame{TransactionID: 2, Type: FramePing})
	buf := append(append([]byte{}, f1...), f2...)

	first, rest, ok, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, first.TransactionID)

	second, rest2, ok, err := DecodeFrame(rest)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, second.TransactionID)
	require.Empty(t, rest2)
}
