// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package predicate

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Matcher decides whether a Factory applies to a server-described
// predicate's statistic name and configuration.
type Matcher func(statisticName string, configuration map[string]any) bool

// Factory builds the Handler for an Instance once Matcher has accepted it.
type Factory func(inst *Instance) Handler

// Registration is the cancel handle returned by Registry.Register.
// Cancelling stops future matches; it does not affect predicates
// already instantiated against it (grounded on StatisticRegistration's
// "won't update existing predicates" behavior).
type Registration struct {
	registry *Registry
	reg      *registration
}

func (r *Registration) Cancel() {
	r.registry.mu.Lock()
	r.reg.cancelled = true
	r.registry.cache.Purge()
	r.registry.mu.Unlock()
}

type registration struct {
	matcher   Matcher
	factory   Factory
	cancelled bool
}

// Registry holds every locally registered statistic class and matches
// server-described predicates against them. Matching a predicate whose
// statistic class hasn't been registered yet is retried on every tick
// by the built-in placeholder handler (see placeholder.go) until a
// match appears.
type Registry struct {
	mu    sync.Mutex
	regs  []*registration
	cache *lru.Cache[string, Factory]
}

func NewRegistry() *Registry {
	cache, _ := lru.New[string, Factory](4096)
	return &Registry{cache: cache}
}

// Register adds a matcher/factory pair, purging the match cache so
// placeholders re-check against it on their next tick instead of
// replaying a stale "no match" result.
func (r *Registry) Register(m Matcher, f Factory) *Registration {
	reg := &registration{matcher: m, factory: f}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.cache.Purge()
	r.mu.Unlock()
	return &Registration{registry: r, reg: reg}
}

func (r *Registry) clearCancelled() {
	kept := r.regs[:0]
	for _, reg := range r.regs {
		if !reg.cancelled {
			kept = append(kept, reg)
		}
	}
	r.regs = kept
}

// tryMatch returns the first non-cancelled Factory whose Matcher
// accepts (statisticName, configuration), or nil. Results are cached by
// (statisticName, sorted configuration keys/values) so a placeholder
// re-ticking every minute against an unchanged registry doesn't re-run
// every matcher.
func (r *Registry) tryMatch(statisticName string, configuration map[string]any) Factory {
	key := matchKey(statisticName, configuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	if factory, ok := r.cache.Get(key); ok {
		return factory
	}

	r.clearCancelled()
	var found Factory
	for _, reg := range r.regs {
		if reg.cancelled {
			continue
		}
		if reg.matcher(statisticName, configuration) {
			found = reg.factory
			break
		}
	}
	r.cache.Add(key, found)
	return found
}

func matchKey(statisticName string, configuration map[string]any) string {
	keys := make([]string, 0, len(configuration))
	for k := range configuration {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := statisticName
	for _, k := range keys {
		key += fmt.Sprintf("|%s=%v", k, configuration[k])
	}
	return key
}
