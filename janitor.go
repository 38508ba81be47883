// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/timeutil"
)

// janitor is responsible for periodically pruning terminal (completed and
// dead-lettered) task records once they outlive the retention window.
type janitor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// list of categories to clean.
	categories []string

	// interval between cleanup runs.
	interval time.Duration

	// how long terminal records are kept before deletion.
	retention time.Duration

	// number of tasks to delete per terminal set in a single run.
	batchSize int
}

type janitorParams struct {
	logger     *log.Logger
	broker     base.Broker
	categories []string
	interval   time.Duration
	retention  time.Duration
	batchSize  int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:     params.logger,
		broker:     params.broker,
		clock:      timeutil.NewRealClock(),
		done:       make(chan struct{}),
		categories: params.categories,
		interval:   params.interval,
		retention:  params.retention,
		batchSize:  params.batchSize,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	cutoff := j.clock.Now().Add(-j.retention)
	for _, category := range j.categories {
		n, err := j.broker.DeleteExpiredTerminalTasks(context.Background(), category, cutoff, j.batchSize)
		if err != nil {
			j.logger.Errorf("Failed to delete expired terminal tasks from category %q: %v", category, err)
			continue
		}
		if n > 0 {
			j.logger.Debugf("Deleted %d expired terminal tasks from category %q", n, category)
		}
	}
}
