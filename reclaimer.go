// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/timeutil"
)

// ErrLeaseExpired error indicates that the task failed because the worker
// working on the task could not extend its lease due to missing heartbeats.
// The worker may have crashed or got cut off from the network.
var ErrLeaseExpired = errors.New("agentq: task lease expired")

// A reclaimer scans the processing sets for claims whose lease deadline has
// passed and routes each abandoned task through the retry/dead-letter
// policy, so a crashed worker can never leave a task stuck forever.
type reclaimer struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	retryDelayFunc RetryDelayFunc
	notifier       EventNotifier

	// channel to communicate back to the long running "reclaimer" goroutine.
	done chan struct{}

	// list of categories to scan.
	categories []string

	// interval between lease-expiry scans.
	interval time.Duration
}

type reclaimerParams struct {
	logger         *log.Logger
	broker         base.Broker
	retryDelayFunc RetryDelayFunc
	notifier       EventNotifier
	categories     []string
	interval       time.Duration
}

func newReclaimer(params reclaimerParams) *reclaimer {
	return &reclaimer{
		logger:         params.logger,
		broker:         params.broker,
		clock:          timeutil.NewRealClock(),
		retryDelayFunc: params.retryDelayFunc,
		notifier:       params.notifier,
		done:           make(chan struct{}),
		categories:     params.categories,
		interval:       params.interval,
	}
}

func (r *reclaimer) shutdown() {
	r.logger.Debug("Reclaimer shutting down...")
	// Signal the reclaimer goroutine to stop.
	r.done <- struct{}{}
}

func (r *reclaimer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Reclaimer done")
				timer.Stop()
				return
			case <-timer.C:
				r.reclaim()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *reclaimer) reclaim() {
	// Lease deadlines are stored as the processing-set scores, so the
	// cutoff is simply now.
	msgs, err := r.broker.ListLeaseExpired(context.Background(), r.clock.Now(), r.categories...)
	if err != nil {
		r.logger.Warnf("Could not list lease expired tasks: %v", err)
		return
	}
	for _, msg := range msgs {
		// An abandoned claim counts against the retry budget just like an
		// execution failure.
		r.retryOrDead(msg)
	}
}

func (r *reclaimer) retryOrDead(msg *base.TaskMessage) {
	msg.RetryCount++
	if msg.RetryCount > msg.MaxRetries {
		if err := r.broker.MarkDead(context.Background(), msg, ErrLeaseExpired.Error()); err != nil {
			r.logger.Errorf("Could not move lease expired task id=%s to dead-letter set: %v", msg.ID, err)
			return
		}
		r.logger.Errorf("Retry exhausted for lease expired task id=%s", msg.ID)
	} else {
		delay := r.retryDelayFunc(msg.RetryCount, ErrLeaseExpired, newTaskFromMessage(msg))
		if err := r.broker.Retry(context.Background(), msg, r.clock.Now().Add(delay), ErrLeaseExpired.Error()); err != nil {
			r.logger.Errorf("Could not schedule retry for lease expired task id=%s: %v", msg.ID, err)
			return
		}
	}
	safeNotify(r.notifier, r.logger, Event{
		Name:     EventTaskFailed,
		TaskID:   msg.ID,
		Category: msg.Category,
		Kind:     msg.Kind,
		Owner:    msg.Owner,
		Data: map[string]interface{}{
			"error":       ErrLeaseExpired.Error(),
			"retry_count": msg.RetryCount,
			"max_retries": msg.MaxRetries,
		},
	})
}
