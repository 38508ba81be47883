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
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/timeutil"
)

func TestComposeOptionsDefaults(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Now())
	opt, err := composeOptions(clock)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxRetries, opt.retry)
	assert.Equal(t, PriorityNormal, opt.priority)
	assert.NotEmpty(t, opt.taskID)
	assert.True(t, opt.processAt.Equal(clock.Now()))
	assert.Empty(t, opt.owner)
}

func TestComposeOptionsValidation(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Now())
	tests := []struct {
		desc string
		opts []Option
	}{
		{"invalid priority", []Option{WithPriority(Priority(42))}},
		{"empty task id", []Option{TaskID("  ")}},
		{"process time in the past", []Option{ProcessAt(clock.Now().Add(-time.Hour))}},
		{"negative delay", []Option{ProcessIn(-time.Minute)}},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := composeOptions(clock, tc.opts...)
			assert.Error(t, err)
		})
	}
}

func TestComposeOptionsLastDelayOptionWins(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Now())
	at := clock.Now().Add(time.Hour)
	opt, err := composeOptions(clock, ProcessIn(time.Minute), ProcessAt(at))
	require.NoError(t, err)
	assert.True(t, opt.processAt.Equal(at))
}

func TestMaxRetryNegativeIsZero(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Now())
	opt, err := composeOptions(clock, MaxRetry(-5))
	require.NoError(t, err)
	assert.Zero(t, opt.retry)
}

func TestClientEnqueue(t *testing.T) {
	r, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	info, err := client.Enqueue(NewTask("content_writer", "generate_post", []byte(`{"topic":"q"}`)))
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "content_writer", info.Category)
	assert.Equal(t, StatusQueued, info.Status)
	assert.Equal(t, PriorityNormal, info.Priority)
	assert.Equal(t, defaultMaxRetries, info.MaxRetries)
	assert.True(t, info.ScheduledAt.IsZero())

	got, err := r.GetTaskInfo(context.Background(), "content_writer", info.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusQueued, got.Status)
	assert.Equal(t, []byte(`{"topic":"q"}`), got.Payload)
}

func TestClientEnqueueWithOptions(t *testing.T) {
	r, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	info, err := client.Enqueue(
		NewTask("reviewer", "review_draft", nil),
		TaskID("review-1"),
		WithPriority(PriorityCritical),
		Owner("session-1"),
		MaxRetry(7),
	)
	require.NoError(t, err)
	assert.Equal(t, "review-1", info.ID)
	assert.Equal(t, PriorityCritical, info.Priority)
	assert.Equal(t, "session-1", info.Owner)
	assert.Equal(t, 7, info.MaxRetries)

	got, err := r.GetTaskInfo(context.Background(), "reviewer", "review-1")
	require.NoError(t, err)
	assert.Equal(t, base.PriorityCritical, got.Priority)
}

func TestClientEnqueueDelayed(t *testing.T) {
	r, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	info, err := client.Enqueue(
		NewTask("content_writer", "generate_post", nil),
		ProcessIn(time.Hour),
	)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)
	assert.False(t, info.ScheduledAt.IsZero())

	// A delayed task is invisible to workers until promoted.
	got, err := r.GetTaskInfo(context.Background(), "content_writer", info.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusPending, got.Status)
	_, err = r.Dequeue(context.Background(), "content_writer", time.Minute)
	assert.ErrorIs(t, err, errors.ErrNoProcessableTask)
}

func TestClientEnqueueZeroDelayIsImmediate(t *testing.T) {
	_, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	info, err := client.Enqueue(NewTask("content_writer", "generate_post", nil), ProcessIn(0))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, info.Status)
}

func TestClientEnqueueValidation(t *testing.T) {
	_, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	tests := []struct {
		desc string
		task *Task
	}{
		{"nil task", nil},
		{"empty category", NewTask("", "generate_post", nil)},
		{"blank category", NewTask("   ", "generate_post", nil)},
		{"empty kind", NewTask("content_writer", "", nil)},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := client.Enqueue(tc.task)
			assert.Error(t, err)
		})
	}
}

func TestClientEnqueueTaskIDConflict(t *testing.T) {
	_, redisClient := setupRDB(t)
	client := NewClientFromRedisClient(redisClient)

	_, err := client.Enqueue(NewTask("content_writer", "generate_post", nil), TaskID("dup"))
	require.NoError(t, err)
	_, err = client.Enqueue(NewTask("content_writer", "generate_post", nil), TaskID("dup"))
	assert.ErrorIs(t, err, errors.ErrTaskIDConflict)
}

func TestClientEnqueueNotifies(t *testing.T) {
	_, redisClient := setupRDB(t)

	var mu sync.Mutex
	var events []Event
	notifier := EventNotifierFunc(func(ctx context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	client := NewClientFromRedisClient(redisClient, WithNotifier(notifier))

	info, err := client.Enqueue(NewTask("content_writer", "generate_post", nil), Owner("session-9"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, EventTaskCreated, events[0].Name)
	assert.Equal(t, info.ID, events[0].TaskID)
	assert.Equal(t, "session-9", events[0].Owner)
}

func TestClientCloseSharedConnection(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	assert.Error(t, client.Close())
}
