// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/log"
)

func TestForwarderPromotesDueTasks(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()
	now := time.Now()

	due := &base.TaskMessage{
		ID:          "due-1",
		Category:    "content_writer",
		Kind:        "generate_post",
		Priority:    base.PriorityNormal,
		MaxRetries:  3,
		Status:      base.StatusPending,
		CreatedAt:   now.UnixMilli(),
		ScheduledAt: now.Add(-time.Minute).Unix(),
	}
	require.NoError(t, r.Schedule(ctx, due, now.Add(-time.Minute)))

	notDue := &base.TaskMessage{
		ID:          "not-due-1",
		Category:    "content_writer",
		Kind:        "generate_post",
		Priority:    base.PriorityNormal,
		MaxRetries:  3,
		Status:      base.StatusPending,
		CreatedAt:   now.UnixMilli(),
		ScheduledAt: now.Add(time.Hour).Unix(),
	}
	require.NoError(t, r.Schedule(ctx, notDue, now.Add(time.Hour)))

	f := newForwarder(forwarderParams{
		logger:     log.NewLogger(nil),
		broker:     r,
		categories: []string{"content_writer"},
		interval:   time.Minute,
	})
	f.exec()

	got, err := r.GetTaskInfo(ctx, "content_writer", due.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusQueued, got.Status)

	got, err = r.GetTaskInfo(ctx, "content_writer", notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusPending, got.Status)

	// Only the due task is claimable.
	claimed, err := r.Dequeue(ctx, "content_writer", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, due.ID, claimed.ID)
	_, err = r.Dequeue(ctx, "content_writer", time.Minute)
	assert.Error(t, err)
}

func TestForwarderPromotesRetriedTasks(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	msg := &base.TaskMessage{
		ID:         "retry-1",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 3,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, msg))
	claimed, err := r.Dequeue(ctx, "content_writer", time.Minute)
	require.NoError(t, err)
	claimed.RetryCount++
	require.NoError(t, r.Retry(ctx, claimed, time.Now().Add(-time.Second), "transient"))

	f := newForwarder(forwarderParams{
		logger:     log.NewLogger(nil),
		broker:     r,
		categories: []string{"content_writer"},
		interval:   time.Minute,
	})
	f.exec()

	got, err := r.Dequeue(ctx, "content_writer", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
}
