// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/linkedin/goavro/v2"

	"github.com/smok-edge/agent/pkg/log"
)

// avroCheckpointSchema is the on-disk record for one pathpoint reading,
// grounded on the teacher's own avro checkpoint record shape (one record
// per sample, kind-tagged union of the numeric/string/bool payload).
const avroCheckpointSchema = `{
	"type": "record",
	"name": "Reading",
	"fields": [
		{"name": "pathpoint", "type": "string"},
		{"name": "timestamp_ms", "type": "long"},
		{"name": "kind", "type": "int"},
		{"name": "bool_value", "type": "boolean"},
		{"name": "i16_value", "type": "int"},
		{"name": "u16_value", "type": "int"},
		{"name": "f32_value", "type": "float"},
		{"name": "f64_value", "type": "double"},
		{"name": "str_value", "type": "string"},
		{"name": "err_kind", "type": "int"},
		{"name": "has_err", "type": "boolean"}
	]
}`

// AvroFileBackend implements Store's Backend using a single Avro
// object-container file as the on-disk checkpoint format, an alternative
// to a JSON dump when the sample count makes that format too large.
// Grounded on the teacher's internal/memorystore/avroCheckpoint.go use of
// goavro's OCF reader/writer with deflate compression.
type AvroFileBackend struct {
	path string
}

func NewAvroFileBackend(path string) *AvroFileBackend {
	return &AvroFileBackend{path: path}
}

func (b *AvroFileBackend) LoadAll() (map[string][]Reading, error) {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return map[string][]Reading{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pathpoint: opening avro checkpoint: %w", err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(f)
	if err != nil {
		return nil, fmt.Errorf("pathpoint: reading avro checkpoint header: %w", err)
	}

	out := map[string][]Reading{}
	for reader.Scan() {
		native, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("pathpoint: reading avro record: %w", err)
		}
		rec, ok := native.(map[string]any)
		if !ok {
			continue
		}
		name, reading := recordToReading(rec)
		out[name] = append(out[name], reading)
	}
	return out, nil
}

func (b *AvroFileBackend) Persist(snapshot map[string][]Reading) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("pathpoint: creating checkpoint dir: %w", err)
	}

	buf := &bytes.Buffer{}
	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               buf,
		Schema:          avroCheckpointSchema,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return fmt.Errorf("pathpoint: building avro writer: %w", err)
	}

	for name, readings := range snapshot {
		records := make([]any, 0, len(readings))
		for _, r := range readings {
			records = append(records, readingToRecord(name, r))
		}
		if err := writer.Append(records); err != nil {
			return fmt.Errorf("pathpoint: appending avro records for %s: %w", name, err)
		}
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("pathpoint: writing avro checkpoint: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("pathpoint: installing avro checkpoint: %w", err)
	}
	log.Debugf("pathpoint: avro checkpoint written to %s", b.path)
	return nil
}

func readingToRecord(name string, r Reading) map[string]any {
	rec := map[string]any{
		"pathpoint":    name,
		"timestamp_ms": r.TimestampMs,
		"kind":         int32(r.Value.Kind),
		"bool_value":   r.Value.B,
		"i16_value":    int32(r.Value.I16),
		"u16_value":    int32(r.Value.U16),
		"f32_value":    r.Value.F32,
		"f64_value":    r.Value.F64,
		"str_value":    r.Value.Str,
		"err_kind":     int32(0),
		"has_err":      false,
	}
	if r.Err != nil {
		rec["err_kind"] = int32(r.Err.KindOf)
		rec["has_err"] = true
	}
	return rec
}

func recordToReading(rec map[string]any) (string, Reading) {
	name, _ := rec["pathpoint"].(string)
	v := Value{Kind: Kind(rec["kind"].(int32))}
	switch v.Kind {
	case KindBool:
		v.B, _ = rec["bool_value"].(bool)
	case KindI16:
		v.I16 = int16(rec["i16_value"].(int32))
	case KindU16:
		v.U16 = uint16(rec["u16_value"].(int32))
	case KindF32:
		v.F32, _ = rec["f32_value"].(float32)
	case KindF64:
		v.F64, _ = rec["f64_value"].(float64)
	case KindString:
		v.Str, _ = rec["str_value"].(string)
	}
	r := Reading{TimestampMs: rec["timestamp_ms"].(int64), Value: v}
	if has, _ := rec["has_err"].(bool); has {
		r.Err = &OperationFailed{KindOf: ErrorKind(rec["err_kind"].(int32))}
	}
	return name, r
}
