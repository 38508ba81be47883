// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"time"

	"github.com/agentq-io/agentq/internal/log"
)

// Event names emitted on task state transitions.
const (
	EventTaskCreated   = "task:created"
	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
)

// Event describes a task state transition.
type Event struct {
	// Name is one of the EventTask* constants.
	Name string

	// TaskID is the id of the task the event refers to.
	TaskID string

	// Category is the agent type of the task.
	Category string

	// Kind is the task type of the task.
	Kind string

	// Owner is the opaque identifier of whoever submitted the task, if any.
	Owner string

	// Data carries event specific attributes, e.g. "duration" on
	// task:completed, "retry_count" and "max_retries" on task:failed.
	Data map[string]interface{}
}

// An EventNotifier receives a best-effort notification on every task state
// transition: creation, start, completion and failure.
//
// Notify calls are fire-and-forget. The queue recovers panics and logs any
// returned error internally; a notifier can never affect queue correctness
// or fail an Enqueue, claim, completion or failure operation.
type EventNotifier interface {
	Notify(ctx context.Context, e Event)
}

// The EventNotifierFunc type is an adapter to allow the use of
// ordinary functions as an EventNotifier.
type EventNotifierFunc func(ctx context.Context, e Event)

// Notify calls fn(ctx, e).
func (fn EventNotifierFunc) Notify(ctx context.Context, e Event) { fn(ctx, e) }

// NopNotifier is an EventNotifier that discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// notifyTimeout bounds a single notifier call so that a slow notifier
// cannot stall a worker poller.
const notifyTimeout = 5 * time.Second

// safeNotify invokes the notifier, recovering a panicking notifier so the
// calling queue operation is never affected.
func safeNotify(notifier EventNotifier, logger *log.Logger, e Event) {
	if notifier == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("Event notifier panicked on %s for task id=%s: %v", e.Name, e.TaskID, v)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	notifier.Notify(ctx, e)
}
