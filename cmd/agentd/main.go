// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command agentd is the example program embedding the agent facade:
// it parses flags, loads config, builds the agent, starts it, and
// blocks until SIGINT/SIGTERM.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/smok-edge/agent/internal/agent"
	"github.com/smok-edge/agent/internal/config"
	"github.com/smok-edge/agent/pkg/log"
)

func main() {
	var flagConfigFile string
	var flagLogLevel string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default options by those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of: debug, info, warn, err")
	flag.Parse()

	log.SetLogLevel(flagLogLevel)
	config.Init(flagConfigFile)

	a, err := agent.New(config.Keys)
	if err != nil {
		log.Fatalf("agentd: %v", err)
	}

	if err := a.Start(); err != nil {
		log.Fatalf("agentd: starting: %v", err)
	}

	if config.Keys.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(config.Keys.MetricsListenAddr, mux); err != nil {
				log.Errorf("agentd: metrics listener: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Infof("agentd: shutting down")
	if err := a.Close(); err != nil {
		log.Errorf("agentd: shutdown: %v", err)
	}
}
