// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
)

func TestReclaimerRequeuesExpiredLease(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	msg := &base.TaskMessage{
		ID:         "abandoned-1",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 3,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, msg))
	// Claim with an already-expired lease to simulate a crashed worker.
	_, err := r.Dequeue(ctx, "content_writer", -time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Event
	rc := newReclaimer(reclaimerParams{
		logger: log.NewLogger(nil),
		broker: r,
		retryDelayFunc: func(n int, e error, t *Task) time.Duration {
			return time.Minute
		},
		notifier: EventNotifierFunc(func(ctx context.Context, e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}),
		categories: []string{"content_writer"},
		interval:   time.Minute,
	})
	rc.reclaim()

	got, err := r.GetTaskInfo(ctx, "content_writer", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, ErrLeaseExpired.Error(), got.ErrorMsg)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, EventTaskFailed, events[0].Name)
	assert.Equal(t, msg.ID, events[0].TaskID)
}

func TestReclaimerDeadLettersExhaustedTask(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	msg := &base.TaskMessage{
		ID:         "abandoned-2",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 0,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, msg))
	_, err := r.Dequeue(ctx, "content_writer", -time.Second)
	require.NoError(t, err)

	rc := newReclaimer(reclaimerParams{
		logger:         log.NewLogger(nil),
		broker:         r,
		retryDelayFunc: DefaultRetryDelayFunc,
		notifier:       NopNotifier{},
		categories:     []string{"content_writer"},
		interval:       time.Minute,
	})
	rc.reclaim()

	got, err := r.GetTaskInfo(ctx, "content_writer", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusDead, got.Status)
}

func TestReclaimerLeavesLiveLeasesAlone(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	msg := &base.TaskMessage{
		ID:         "in-flight-1",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 3,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, msg))
	_, err := r.Dequeue(ctx, "content_writer", 30*time.Minute)
	require.NoError(t, err)

	rc := newReclaimer(reclaimerParams{
		logger:         log.NewLogger(nil),
		broker:         r,
		retryDelayFunc: DefaultRetryDelayFunc,
		notifier:       NopNotifier{},
		categories:     []string{"content_writer"},
		interval:       time.Minute,
	})
	rc.reclaim()

	got, err := r.GetTaskInfo(ctx, "content_writer", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusProcessing, got.Status)
	assert.Zero(t, got.RetryCount)
}
