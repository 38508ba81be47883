// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
)

// A forwarder is responsible for moving delayed and retry tasks to the
// ready set so that the tasks get processed once their scheduled time or
// backoff delay has passed.
type forwarder struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "forwarder" goroutine.
	done chan struct{}

	// list of categories to check and forward.
	categories []string

	// poll interval on this maintenance pass; bounds how stale a due task
	// can stay in the delayed or retry set.
	interval time.Duration
}

type forwarderParams struct {
	logger     *log.Logger
	broker     base.Broker
	categories []string
	interval   time.Duration
}

func newForwarder(params forwarderParams) *forwarder {
	return &forwarder{
		logger:     params.logger,
		broker:     params.broker,
		done:       make(chan struct{}),
		categories: params.categories,
		interval:   params.interval,
	}
}

func (f *forwarder) shutdown() {
	f.logger.Debug("Forwarder shutting down...")
	// Signal the forwarder goroutine to stop.
	f.done <- struct{}{}
}

// start starts the "forwarder" goroutine.
func (f *forwarder) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(f.interval)
		for {
			select {
			case <-f.done:
				f.logger.Debug("Forwarder done")
				timer.Stop()
				return
			case <-timer.C:
				f.exec()
				timer.Reset(f.interval)
			}
		}
	}()
}

func (f *forwarder) exec() {
	// Each category gets its own call so that one failing category does
	// not abort the remaining ones.
	for _, category := range f.categories {
		if err := f.broker.ForwardIfReady(context.Background(), category); err != nil {
			f.logger.Errorf("Failed to forward scheduled tasks in category %q: %v", category, err)
		}
	}
}
