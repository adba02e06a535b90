// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sensor implements the sensor catalog of spec §3: a named,
// typed view over one or more pathpoints (FQTS-canonicalized tag set),
// with read/write fan-out and a supplemented value-conversion table.
package sensor

import (
	"sort"
	"strings"
	"sync"
)

// Canonicalize renders tags into the sensor's FQTS form: space-joined,
// sorted, deduplicated (spec §8 round-trip law: idempotent and
// permutation-invariant).
func Canonicalize(tags []string) string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// ConversionUnit describes a linear unit transform applied between a
// sensor's external value and its constituent pathpoints' raw values
// (SPEC_FULL §C.2 supplemented feature).
type ConversionUnit struct {
	Scale  float64
	Offset float64
}

// Convert maps a raw pathpoint value into the sensor's external unit:
// external = raw*Scale + Offset.
func (c ConversionUnit) Convert(raw float64) float64 { return raw*c.Scale + c.Offset }

// Unconvert is Convert's inverse, used when writing a sensor's external
// value down to its constituent pathpoints.
func (c ConversionUnit) Unconvert(external float64) float64 {
	if c.Scale == 0 {
		return external - c.Offset
	}
	return (external - c.Offset) / c.Scale
}

// Sensor is a named view over one or more pathpoints.
type Sensor struct {
	Name         string
	Tags         string // canonical FQTS
	TypeDesc     string
	Constituents []string // tilde-separated pathpoint names, split
	Conversion   ConversionUnit
}

// New builds a Sensor, canonicalizing tags and splitting the
// tilde-separated constituent list.
func New(name string, tags []string, typeDesc string, constituentSpec string) Sensor {
	var constituents []string
	for _, c := range strings.Split(constituentSpec, "~") {
		if c = strings.TrimSpace(c); c != "" {
			constituents = append(constituents, c)
		}
	}
	return Sensor{Name: name, Tags: Canonicalize(tags), TypeDesc: typeDesc, Constituents: constituents}
}

// Catalog holds the server-authoritative sensor list (spec §4.6 "Sensor
// catalog (every ~300s): fetch list, rebuild local sensor store").
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Sensor
}

func NewCatalog() *Catalog {
	return &Catalog{byName: map[string]Sensor{}}
}

// Replace atomically swaps the catalog's contents — the communicator
// rebuilds the whole store on each refresh rather than diffing.
func (c *Catalog) Replace(sensors []Sensor) {
	byName := make(map[string]Sensor, len(sensors))
	for _, s := range sensors {
		byName[s.Name] = s
	}
	c.mu.Lock()
	c.byName = byName
	c.mu.Unlock()
}

func (c *Catalog) Lookup(name string) (Sensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[name]
	return s, ok
}

func (c *Catalog) All() []Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sensor, 0, len(c.byName))
	for _, s := range c.byName {
		out = append(out, s)
	}
	return out
}
