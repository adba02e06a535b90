// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the uplink's on-the-wire formats (C4): the
// length-prefixed frame header and a compact, self-describing binary
// encoding for maps and lists of primitives, grounded on the teacher's
// manual append-to-buffer binary construction (internal/memorystore's
// checkpoint writer) rather than an external line-protocol codec, since
// the payload shape here (arbitrary nested maps/lists of scalars) has no
// fixed schema for that library to describe.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// tag bytes identify the type of the value that follows, making decode
// self-describing without an external schema (spec §4.3: "the core only
// requires a round-trippable encode/decode for maps and lists of
// primitives").
const (
	tagNil byte = iota
	tagBool
	tagInt64
	tagFloat64
	tagString
	tagList
	tagMap
)

// ErrTruncated means fewer bytes were supplied than the encoded value
// needs — "need more bytes", never a partial decode (spec §8 round-trip
// law).
var ErrTruncated = fmt.Errorf("wire: truncated payload")

// Encode serializes v (nil, bool, int64, float64, string, []any, or
// map[string]any) to its compact binary form.
func Encode(v any) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil)
	case bool:
		buf = append(buf, tagBool)
		if x {
			return append(buf, 1)
		}
		return append(buf, 0)
	case int:
		return appendInt64(buf, int64(x))
	case int64:
		return appendInt64(buf, x)
	case float64:
		buf = append(buf, tagFloat64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		return append(buf, b[:]...)
	case string:
		return appendString(buf, x)
	case []any:
		buf = append(buf, tagList)
		buf = appendUint32(buf, uint32(len(x)))
		for _, item := range x {
			buf = appendValue(buf, item)
		}
		return buf
	case map[string]any:
		buf = append(buf, tagMap)
		buf = appendUint32(buf, uint32(len(x)))
		for k, item := range x {
			buf = appendString(buf, k)
			buf = appendValue(buf, item)
		}
		return buf
	default:
		panic(fmt.Sprintf("wire: unsupported payload type %T", v))
	}
}

func appendInt64(buf []byte, x int64) []byte {
	buf = append(buf, tagInt64)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(x))
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendUint32(buf []byte, n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return append(buf, b[:]...)
}

// Decode parses the entirety of data as a single value, failing with
// ErrTruncated if data is shorter than the encoding claims and with an
// error if trailing bytes remain.
func Decode(data []byte) (any, error) {
	v, rest, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after payload", len(rest))
	}
	return v, nil
}

func decodeValue(data []byte) (any, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrTruncated
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagNil:
		return nil, rest, nil
	case tagBool:
		if len(rest) < 1 {
			return nil, nil, ErrTruncated
		}
		return rest[0] != 0, rest[1:], nil
	case tagInt64:
		if len(rest) < 8 {
			return nil, nil, ErrTruncated
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagFloat64:
		if len(rest) < 8 {
			return nil, nil, ErrTruncated
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagString:
		return decodeString(rest)
	case tagList:
		n, rest2, err := decodeUint32(rest)
		if err != nil {
			return nil, nil, err
		}
		out := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			var item any
			item, rest2, err = decodeValue(rest2)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, item)
		}
		return out, rest2, nil
	case tagMap:
		n, rest2, err := decodeUint32(rest)
		if err != nil {
			return nil, nil, err
		}
		out := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			var key any
			key, rest2, err = decodeString(rest2)
			if err != nil {
				return nil, nil, err
			}
			var item any
			item, rest2, err = decodeValue(rest2)
			if err != nil {
				return nil, nil, err
			}
			out[key.(string)] = item
		}
		return out, rest2, nil
	default:
		return nil, nil, fmt.Errorf("wire: unknown tag byte %d", tag)
	}
}

func decodeUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

func decodeString(data []byte) (any, []byte, error) {
	n, rest, err := decodeUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return string(rest[:n]), rest[n:], nil
}
