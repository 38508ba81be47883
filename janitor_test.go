// Copyright 2022 Kentaro Hibino. All rights reserved.
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
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/log"
)

func TestJanitorPrunesExpiredTerminalTasks(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	completed := &base.TaskMessage{
		ID:         "done-1",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 3,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, completed))
	claimed, err := r.Dequeue(ctx, "content_writer", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.MarkCompleted(ctx, claimed, nil))

	dead := &base.TaskMessage{
		ID:         "dead-1",
		Category:   "content_writer",
		Kind:       "generate_post",
		Priority:   base.PriorityNormal,
		MaxRetries: 0,
		Status:     base.StatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, r.Enqueue(ctx, dead))
	claimed, err = r.Dequeue(ctx, "content_writer", time.Minute)
	require.NoError(t, err)
	claimed.RetryCount++
	require.NoError(t, r.MarkDead(ctx, claimed, "bad payload"))

	// A negative retention places the cutoff in the future, so both
	// records are already expired from the janitor's point of view.
	j := newJanitor(janitorParams{
		logger:     log.NewLogger(nil),
		broker:     r,
		categories: []string{"content_writer"},
		interval:   time.Minute,
		retention:  -time.Minute,
		batchSize:  100,
	})
	j.exec()

	for _, id := range []string{completed.ID, dead.ID} {
		_, err := r.GetTaskInfo(ctx, "content_writer", id)
		assert.True(t, errors.IsTaskNotFound(err), "task %s should have been pruned", id)
	}
}

func TestJanitorHonorsRetention(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	msg := &base.TaskMessage{
		ID:         "done-2",
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
	require.NoError(t, r.MarkCompleted(ctx, claimed, nil))

	j := newJanitor(janitorParams{
		logger:     log.NewLogger(nil),
		broker:     r,
		categories: []string{"content_writer"},
		interval:   time.Minute,
		retention:  24 * time.Hour,
		batchSize:  100,
	})
	j.exec()

	got, err := r.GetTaskInfo(ctx, "content_writer", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, base.StatusCompleted, got.Status)
}
