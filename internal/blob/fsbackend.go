// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FSBackend is the default blob backend: one file per key plus a
// single side-file holding every key's version (spec §9 "persisted
// state layout ... a directory-of-files layout for blobs, one file per
// key plus a side-file holding versions").
type FSBackend struct {
	mu   sync.Mutex
	dir  string
	vers map[string]int
}

func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	b := &FSBackend{dir: dir, vers: map[string]int{}}
	if data, err := os.ReadFile(b.versionsFile()); err == nil {
		if err := json.Unmarshal(data, &b.vers); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return b, nil
}

func (b *FSBackend) versionsFile() string {
	return filepath.Join(b.dir, "versions.json")
}

func (b *FSBackend) blobFile(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key))
}

func (b *FSBackend) Load(key string) (Blob, error) {
	b.mu.Lock()
	version, ok := b.vers[key]
	b.mu.Unlock()
	if !ok {
		return Blob{}, ErrNotFound
	}

	data, err := os.ReadFile(b.blobFile(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, err
	}
	return Blob{Key: key, Version: version, Bytes: data}, nil
}

func (b *FSBackend) Store(key string, data []byte, version int) error {
	if err := os.WriteFile(b.blobFile(key), data, 0o640); err != nil {
		return err
	}
	return b.setVersion(key, version)
}

func (b *FSBackend) Delete(key string) error {
	if err := os.Remove(b.blobFile(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b.mu.Lock()
	delete(b.vers, key)
	vers := cloneVersions(b.vers)
	b.mu.Unlock()
	return b.persistVersions(vers)
}

func (b *FSBackend) List() (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneVersions(b.vers), nil
}

func (b *FSBackend) setVersion(key string, version int) error {
	b.mu.Lock()
	b.vers[key] = version
	vers := cloneVersions(b.vers)
	b.mu.Unlock()
	return b.persistVersions(vers)
}

func (b *FSBackend) persistVersions(vers map[string]int) error {
	data, err := json.Marshal(vers)
	if err != nil {
		return err
	}
	return os.WriteFile(b.versionsFile(), data, 0o640)
}

func cloneVersions(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
