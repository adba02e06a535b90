// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pathpoint

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// StoragePolicy controls how much archive history a pathpoint retains
// (spec §3).
type StoragePolicy uint8

const (
	StoragePermanent StoragePolicy = iota // keeps all history
	StorageTrend                          // keeps <= TrendHorizon
)

// TrendHorizon is the retention window for StorageTrend pathpoints.
const TrendHorizon = 14 * 24 * time.Hour

// Name is a parsed pathpoint identifier: an optional derived-pathpoint
// marker, a type character, and the bare name used for constituent lookups.
//
//	"u16Pump1Speed"      -> unsigned 16-bit, not derived
//	"rfAvgTemp(T1~T2)"   -> derived float32, expression "AvgTemp(T1~T2)"
type Name struct {
	Raw        string
	Derived    bool
	Type       Kind
	Expression string // only set when Derived
}

// ParseName splits raw into its type tag and derived-marker per spec §3.
func ParseName(raw string) (Name, error) {
	if raw == "" {
		return Name{}, fmt.Errorf("pathpoint name is empty")
	}
	rest := raw
	derived := false
	if rest[0] == 'r' {
		derived = true
		rest = rest[1:]
		if rest == "" {
			return Name{}, fmt.Errorf("pathpoint name %q has derived marker but no type", raw)
		}
	}
	kind, ok := KindFromTypeChar(rest[0])
	if !ok {
		return Name{}, fmt.Errorf("pathpoint name %q has unrecognised type character %q", raw, rest[0])
	}
	n := Name{Raw: raw, Derived: derived, Type: kind}
	if derived {
		n.Expression = rest[1:]
	}
	return n, nil
}

// Constituents extracts the tilde-separated pathpoint names referenced by a
// derived pathpoint's expression, e.g. "AvgTemp(uT1~uT2)" -> ["uT1", "uT2"].
// Tokens that do not parse as pathpoint names ("AvgTemp" has no type
// character) are skipped.
// Non-identifier characters in the expression are treated as separators
// alongside '~', so the reparse mini-language's own syntax (parentheses,
// function names) does not need to be understood here — only the pack of
// constituent names it references (spec §9: the core only needs the
// evaluator contract, not the grammar).
func (n Name) Constituents() []string {
	if !n.Derived {
		return nil
	}
	isSep := func(r rune) bool {
		switch {
		case r == '~':
			return true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		default:
			return true
		}
	}
	fields := strings.FieldsFunc(n.Expression, isSep)
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if _, err := ParseName(f); err == nil && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// AgentHandle is a non-owning back-reference a Pathpoint holds to the agent
// that created it (spec §9 "Weak back-references"). It is intentionally
// minimal: the store never walks it during teardown.
type AgentHandle interface {
	NotifyDataChanged()
}

// Pathpoint is one named local I/O point.
type Pathpoint struct {
	Name   Name
	Policy StoragePolicy

	// MinReadInterval throttles Read dispatch (spec §4.5/§8); zero means
	// unthrottled. Enforced with a token-bucket limiter sized to allow
	// exactly one read per interval, grounded on x/time/rate.
	MinReadInterval time.Duration

	mu          sync.Mutex
	lastReadMs  int64
	limiter     *rate.Limiter
	constituent []string // weak references by name, for derived pathpoints

	agent AgentHandle
}

// New constructs a Pathpoint. agent may be nil in tests that don't need
// change notification.
func New(name Name, policy StoragePolicy, minReadInterval time.Duration, agent AgentHandle) *Pathpoint {
	p := &Pathpoint{
		Name:            name,
		Policy:          policy,
		MinReadInterval: minReadInterval,
		agent:           agent,
	}
	if name.Derived {
		p.constituent = name.Constituents()
	}
	if minReadInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(minReadInterval), 1)
	}
	return p
}

// Constituents returns the (weak) names of a derived pathpoint's inputs, or
// nil for a plain pathpoint.
func (p *Pathpoint) Constituents() []string { return p.constituent }

// AllowRead reports whether a Read dispatch may proceed now given
// MinReadInterval; two reads spaced less than the interval apart execute at
// most one handler invocation (spec §8 boundary behavior).
func (p *Pathpoint) AllowRead(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limiter == nil {
		return true
	}
	return p.limiter.AllowN(now, 1)
}

func (p *Pathpoint) touch() {
	if p.agent != nil {
		p.agent.NotifyDataChanged()
	}
}
