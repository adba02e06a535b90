// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package predicate

import "github.com/smok-edge/agent/pkg/log"

// placeholderHandler stands in for a predicate whose statistic class
// hasn't been registered locally yet. Every tick it re-checks the
// registry and, once a match shows up, swaps itself out for the real
// handler on the same Instance and runs that handler's OnTick in the
// same tick.
type placeholderHandler struct {
	registry *Registry
}

func (p *placeholderHandler) OnTick(inst *Instance) error {
	factory := p.registry.tryMatch(inst.StatisticName, inst.Configuration)
	if factory == nil {
		return nil
	}
	log.Infof("predicate %s: statistic %q now registered, initializing", inst.ID, inst.StatisticName)
	inst.handler = factory(inst)
	return inst.handler.OnTick(inst)
}

func (p *placeholderHandler) OnGroupChanged(newGroup string)                        {}
func (p *placeholderHandler) OnVerboseNameChanged(newVerboseName string)             {}
func (p *placeholderHandler) OnConfigurationChanged(newConfiguration map[string]any) {}
func (p *placeholderHandler) OnSilencingChanged(newSilencing []SilencingWindow)      {}
func (p *placeholderHandler) OnOffline()                                            {}
