// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
)

// healthchecker is responsible for periodically checking the connectivity
// with the redis store and invoking a user provided callback with the outcome.
type healthchecker struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// user provided callback to invoke with the result of each probe.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	if hc.healthcheckFunc == nil {
		return
	}
	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	// Note: if no callback is provided, a periodic probe would have no
	// consumer, so we don't spawn the goroutine at all.
	if hc.healthcheckFunc == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				if err := hc.broker.Ping(); err != nil {
					hc.logger.Warnf("Healthcheck ping failed: %v", err)
					hc.healthcheckFunc(err)
				} else {
					hc.healthcheckFunc(nil)
				}
				timer.Reset(hc.interval)
			}
		}
	}()
}
