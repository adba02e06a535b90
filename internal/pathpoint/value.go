// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pathpoint implements C1, the data-point store: a per-pathpoint
// ring of (timestamp, value|error) samples, derived/"reparse" pathpoint
// resolution, and the pending-sync snapshot/ack/nack discipline shared with
// the event store (event package).
package pathpoint

import "fmt"

// Kind tags the dynamic variant carried by a Value (spec §9 "Dynamic typing
// of pathpoint values").
type Kind uint8

const (
	KindBool Kind = iota
	KindI16
	KindU16
	KindF32
	KindF64
	KindString
)

// TypeChar is the pathpoint-name prefix identifying a value's wire type
// (spec §3 "Pathpoint (I/O point)").
func (k Kind) TypeChar() byte {
	switch k {
	case KindBool:
		return 'b'
	case KindI16:
		return 's' // signed 16-bit
	case KindU16:
		return 'u'
	case KindF32:
		return 'f'
	case KindF64:
		return 'd'
	case KindString:
		return 'c' // character/unicode string
	default:
		return '?'
	}
}

func KindFromTypeChar(c byte) (Kind, bool) {
	switch c {
	case 'b':
		return KindBool, true
	case 's':
		return KindI16, true
	case 'u':
		return KindU16, true
	case 'f':
		return KindF32, true
	case 'd':
		return KindF64, true
	case 'c':
		return KindString, true
	default:
		return 0, false
	}
}

// Value is the tagged variant a pathpoint holds: exactly one of the typed
// fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind
	B    bool
	I16  int16
	U16  uint16
	F32  float32
	F64  float64
	Str  string
}

func BoolValue(v bool) Value     { return Value{Kind: KindBool, B: v} }
func I16Value(v int16) Value     { return Value{Kind: KindI16, I16: v} }
func U16Value(v uint16) Value    { return Value{Kind: KindU16, U16: v} }
func F32Value(v float32) Value   { return Value{Kind: KindF32, F32: v} }
func F64Value(v float64) Value   { return Value{Kind: KindF64, F64: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// AsFloat64 widens the numeric kinds for arithmetic (reparse evaluation,
// sensor conversion); returns false for KindString.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindBool:
		if v.B {
			return 1, true
		}
		return 0, true
	case KindI16:
		return float64(v.I16), true
	case KindU16:
		return float64(v.U16), true
	case KindF32:
		return float64(v.F32), true
	case KindF64:
		return v.F64, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%v", v.B)
	case KindI16:
		return fmt.Sprintf("%d", v.I16)
	case KindU16:
		return fmt.Sprintf("%d", v.U16)
	case KindF32:
		return fmt.Sprintf("%g", v.F32)
	case KindF64:
		return fmt.Sprintf("%g", v.F64)
	case KindString:
		return v.Str
	default:
		return "<invalid>"
	}
}

// ErrorKind enumerates the I/O failure classes carried as samples (spec
// §3/§7).
type ErrorKind uint8

const (
	ErrMalformed ErrorKind = iota
	ErrTimeout
	ErrInvalid
	ErrType
	errNotRead // internal-only: "no reading yet", never stored as a sample kind on the wire
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed"
	case ErrTimeout:
		return "timeout"
	case ErrInvalid:
		return "invalid"
	case ErrType:
		return "type"
	case errNotRead:
		return "not_read"
	default:
		return "unknown"
	}
}

// OperationFailed is spec §7's OperationFailed{kind, timestamp_ms}: the
// error surfaced by a user read/write handler and stored as the latest
// sample for a pathpoint.
type OperationFailed struct {
	KindOf      ErrorKind
	TimestampMs int64
}

func (e *OperationFailed) Error() string {
	return fmt.Sprintf("operation failed: %s at %d", e.KindOf.String(), e.TimestampMs)
}

// NotRead is the subclass of OperationFailed meaning "no reading yet":
// invalid for a read handler to return, legal for get_current to raise.
type NotRead struct {
	TimestampMs int64
}

func (e *NotRead) Error() string { return "pathpoint has not been read yet" }

// Unwrap lets errors.As(err, *OperationFailed) match a *NotRead too, since
// NotRead "is-a" OperationFailed per spec §7.
func (e *NotRead) Unwrap() error {
	return &OperationFailed{KindOf: errNotRead, TimestampMs: e.TimestampMs}
}

// Reading is the value-or-error pair stored at one timestamp.
type Reading struct {
	TimestampMs int64
	Value       Value
	Err         *OperationFailed // nil when Value is meaningful
}

func (r Reading) IsError() bool { return r.Err != nil }
