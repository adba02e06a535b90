// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

// configSchema is the JSON Schema checked by Validate before a config file
// is decoded into ProgramConfig, grounded on the teacher's internal/config
// schema-then-decode sequence.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"cert_path": {"type": "string"},
		"cert_pem": {"type": "string"},
		"key_path": {"type": "string"},
		"key_pem": {"type": "string"},
		"orders_enabled": {"type": "boolean"},
		"pathpoints_enabled": {"type": "boolean"},
		"blobs_enabled": {"type": "boolean"},
		"macros_enabled": {"type": "boolean"},
		"predicates_enabled": {"type": "boolean"},
		"archives_enabled": {"type": "boolean"},
		"sensor_write_audit_enabled": {"type": "boolean"},
		"metadata_cache_ttl": {"type": ["string", "integer"]},
		"continue_boot": {"type": "boolean"},
		"sync_strategy": {"type": "string", "enum": ["http", "uplink"]},
		"uplink_host": {"type": "string"},
		"uplink_port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"http_base_url": {"type": "string"},
		"backend": {"type": "string", "enum": ["file", "sqlite"]},
		"backend_dsn": {"type": "string"},
		"blob_root_dir": {"type": "string"},
		"blob_s3_bucket": {"type": "string"},
		"blob_use_sqlite": {"type": "boolean"},
		"device_ca_path": {"type": "string"},
		"root_ca_path": {"type": "string"},
		"pathpoint_checkpoint_path": {"type": "string"},
		"macro_refresh_interval": {"type": "string"},
		"archive_refresh_interval": {"type": "string"},
		"metrics_listen_addr": {"type": "string"}
	},
	"additionalProperties": true
}`
