// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
	"github.com/agentq-io/agentq/internal/timeutil"
	"github.com/google/uuid"
)

// heartbeater is responsible for writing process info to redis periodically
// to indicate that the background worker process is up, and for extending
// the leases of tasks currently being worked on so that a healthy long
// running execution is never reclaimed as abandoned.
type heartbeater struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	// interval between heartbeats.
	interval time.Duration

	// following fields are initialized at construction time and are immutable.
	host          string
	pid           int
	serverID      string
	categories    map[string]int
	leaseDuration time.Duration

	// following fields are mutable and should be accessed only by the
	// heartbeater goroutine. In other words, confine these variables
	// to this goroutine only.
	started time.Time
	active  map[string]*base.TaskMessage // task id -> message of in-flight tasks

	// state is shared with server and is protected by its mutex.
	state *serverState

	// channels to receive updates on claimed and finished tasks.
	starting <-chan *base.TaskMessage
	finished <-chan *base.TaskMessage
}

type heartbeaterParams struct {
	logger        *log.Logger
	broker        base.Broker
	interval      time.Duration
	categories    map[string]int
	leaseDuration time.Duration
	state         *serverState
	starting      <-chan *base.TaskMessage
	finished      <-chan *base.TaskMessage
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &heartbeater{
		logger:        params.logger,
		broker:        params.broker,
		clock:         timeutil.NewRealClock(),
		done:          make(chan struct{}),
		interval:      params.interval,
		host:          host,
		pid:           os.Getpid(),
		serverID:      uuid.NewString(),
		categories:    params.categories,
		leaseDuration: params.leaseDuration,
		active:        make(map[string]*base.TaskMessage),
		state:         params.state,
		starting:      params.starting,
		finished:      params.finished,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.started = h.clock.Now()
		h.beat()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				if err := h.broker.ClearServerState(context.Background(), h.host, h.pid, h.serverID); err != nil {
					h.logger.Errorf("Failed to clear server state: %v", err)
				}
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return
			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)
			case msg := <-h.starting:
				h.active[msg.ID] = msg
			case msg := <-h.finished:
				delete(h.active, msg.ID)
			}
		}
	}()
}

// beat writes the server state snapshot and extends the leases of every
// in-flight task.
func (h *heartbeater) beat() {
	h.state.mu.Lock()
	srvStatus := h.state.value.String()
	h.state.mu.Unlock()

	info := &base.ServerInfo{
		Host:              h.host,
		PID:               h.pid,
		ServerID:          h.serverID,
		Categories:        h.categories,
		Status:            srvStatus,
		Started:           h.started,
		ActiveWorkerCount: len(h.active),
	}
	// Note: Set TTL to be long enough so that it won't expire before we
	// write again and short enough to expire quickly once the process dies.
	if err := h.broker.WriteServerState(context.Background(), info, h.interval*2); err != nil {
		h.logger.Errorf("Failed to write server state data: %v", err)
	}

	if len(h.active) == 0 {
		return
	}
	byCategory := make(map[string][]string)
	for id, msg := range h.active {
		byCategory[msg.Category] = append(byCategory[msg.Category], id)
	}
	for category, ids := range byCategory {
		if err := h.broker.ExtendLease(context.Background(), category, h.leaseDuration, ids...); err != nil {
			h.logger.Errorf("Failed to extend lease for tasks %v in category %q: %v", ids, category, err)
		}
	}
}
