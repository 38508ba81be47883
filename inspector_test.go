// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
)

func TestInspectorCategories(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	inspector := NewInspectorFromRedisClient(redisClient)

	for _, category := range []string{"reviewer", "content_writer", "planner"} {
		_, err := client.Enqueue(NewTask(category, "work", nil))
		require.NoError(t, err)
	}

	got, err := inspector.Categories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"content_writer", "planner", "reviewer"}, got)
}

func TestInspectorCurrentStats(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	inspector := NewInspectorFromRedisClient(redisClient)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Enqueue(NewTask("content_writer", "generate_post", nil))
		require.NoError(t, err)
	}
	_, err := client.Enqueue(NewTask("content_writer", "generate_post", nil), ProcessIn(time.Hour))
	require.NoError(t, err)

	stats, err := inspector.CurrentStats(ctx, "content_writer")
	require.NoError(t, err)
	assert.Equal(t, "content_writer", stats.Category)
	assert.EqualValues(t, 3, stats.Ready)
	assert.EqualValues(t, 1, stats.Delayed)
	assert.Zero(t, stats.Processing)
	assert.False(t, stats.Timestamp.IsZero())

	_, err = inspector.CurrentStats(ctx, "nonexistent")
	assert.True(t, errors.IsCategoryNotFound(err))
}

func TestInspectorAggregateStats(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	inspector := NewInspectorFromRedisClient(redisClient)

	for i := 0; i < 2; i++ {
		_, err := client.Enqueue(NewTask("content_writer", "generate_post", nil))
		require.NoError(t, err)
	}
	_, err := client.Enqueue(NewTask("reviewer", "review_draft", nil))
	require.NoError(t, err)

	stats, err := inspector.AggregateStats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats.Categories, 2)
	assert.EqualValues(t, 3, stats.TotalReady)
	assert.Zero(t, stats.ActiveServers)
}

func TestInspectorGetTaskInfo(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	inspector := NewInspectorFromRedisClient(redisClient)
	ctx := context.Background()

	enqueued, err := client.Enqueue(
		NewTask("content_writer", "generate_post", []byte(`{"topic":"q"}`)),
		WithPriority(PriorityHigh),
		Owner("session-1"),
	)
	require.NoError(t, err)

	info, err := inspector.GetTaskInfo(ctx, "content_writer", enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, info.ID)
	assert.Equal(t, "generate_post", info.Kind)
	assert.Equal(t, PriorityHigh, info.Priority)
	assert.Equal(t, "session-1", info.Owner)
	assert.Equal(t, StatusQueued, info.Status)

	_, err = inspector.GetTaskInfo(ctx, "content_writer", "no-such-task")
	assert.True(t, errors.IsTaskNotFound(err))
}

func TestInspectorListDeadTasks(t *testing.T) {
	r, redisClient := setupRDB(t)
	inspector := NewInspectorFromRedisClient(redisClient)
	ctx := context.Background()

	// Drive three tasks into the dead-letter set.
	for i := 0; i < 3; i++ {
		msg := &base.TaskMessage{
			ID:         fmt.Sprintf("dead-%d", i),
			Category:   "content_writer",
			Kind:       "generate_post",
			Priority:   base.PriorityNormal,
			MaxRetries: 0,
			Status:     base.StatusQueued,
			CreatedAt:  time.Now().UnixMilli(),
		}
		require.NoError(t, r.Enqueue(ctx, msg))
		claimed, err := r.Dequeue(ctx, "content_writer", time.Minute)
		require.NoError(t, err)
		claimed.RetryCount++
		require.NoError(t, r.MarkDead(ctx, claimed, "bad payload"))
	}

	tasks, err := inspector.ListDeadTasks(ctx, "content_writer", 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// Non-positive n falls back to the default page size.
	tasks, err = inspector.ListDeadTasks(ctx, "content_writer", 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, StatusDead, task.Status)
		assert.Equal(t, "bad payload", task.ErrorMsg)
	}
}

func TestInspectorHealth(t *testing.T) {
	redisClient := setupRedisClient(t)
	client := NewClientFromRedisClient(redisClient)
	inspector := NewInspectorFromRedisClient(redisClient)

	_, err := client.Enqueue(NewTask("content_writer", "generate_post", nil))
	require.NoError(t, err)

	health := inspector.Health(context.Background())
	assert.True(t, health.Healthy)
	assert.Empty(t, health.Error)
	require.NotNil(t, health.Stats)
	assert.EqualValues(t, 1, health.Stats.TotalReady)
}
