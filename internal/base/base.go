// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in agentq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentq-io/agentq/internal/errors"
	"github.com/spf13/cast"
)

// Version of agentq library.
const Version = "1.0.0"

// DefaultCategory is the task category used if none is specified by user.
const DefaultCategory = "default"

// Global Redis keys.
const (
	AllServers    = "agentq:servers"    // ZSET
	AllCategories = "agentq:categories" // SET
)

// TaskStatus denotes the lifecycle status of a task.
type TaskStatus int

const (
	StatusPending TaskStatus = iota + 1
	StatusQueued
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusRetry
	StatusDead
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRetry:
		return "retry"
	case StatusDead:
		return "dead"
	}
	panic(fmt.Sprintf("internal error: unknown task status %d", s))
}

// TaskStatusFromString parses the string representation of a task status.
// Note: "failed" is accepted for records stamped by external tooling even
// though the queue's own transitions never produce it.
func TaskStatusFromString(s string) (TaskStatus, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "queued":
		return StatusQueued, nil
	case "processing":
		return StatusProcessing, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "retry":
		return StatusRetry, nil
	case "dead":
		return StatusDead, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported task status", s))
}

// Priority determines the ordering of tasks within a category's ready set.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	}
	panic(fmt.Sprintf("internal error: unknown priority %d", p))
}

// PriorityFromString parses the string representation of a priority.
func PriorityFromString(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported priority", s))
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return PriorityLow <= p && p <= PriorityCritical
}

// priorityBand spaces priority tiers far enough apart in the ready-set
// score that no enqueue timestamp in Unix milliseconds can cross a tier
// boundary. The composed score stays well within float64's 53-bit integer
// range.
const priorityBand = 1e13

// ReadyScore composes the ready-set score from a task's priority and its
// enqueue time, at millisecond resolution. ZPOPMAX therefore returns the
// highest priority first and, within one priority tier, the
// earliest-enqueued task first (FIFO).
func ReadyScore(p Priority, enqueuedAt time.Time) float64 {
	return float64(p)*priorityBand - float64(enqueuedAt.UnixMilli())
}

// ValidateCategory validates a given category name to be used as a task category.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateCategory(category string) error {
	if len(strings.TrimSpace(category)) == 0 {
		return fmt.Errorf("category must contain one or more characters")
	}
	return nil
}

// CategoryKeyPrefix returns a prefix for all keys in the given category.
// The category is wrapped in a redis cluster hash tag so that every key
// belonging to one category lives in the same slot and can be touched by
// a single server-side script.
func CategoryKeyPrefix(category string) string {
	return "agentq:{" + category + "}:"
}

// TaskKeyPrefix returns a prefix for task key.
func TaskKeyPrefix(category string) string {
	return CategoryKeyPrefix(category) + "t:"
}

// TaskKey returns a redis key for the given task record.
func TaskKey(category, id string) string {
	return TaskKeyPrefix(category) + id
}

// ReadyKey returns a redis key for the given category's ready set.
func ReadyKey(category string) string {
	return CategoryKeyPrefix(category) + "ready"
}

// DelayedKey returns a redis key for the delayed tasks.
func DelayedKey(category string) string {
	return CategoryKeyPrefix(category) + "delayed"
}

// ProcessingKey returns a redis key for the in-flight (claimed) tasks.
// Members are scored by their lease deadline.
func ProcessingKey(category string) string {
	return CategoryKeyPrefix(category) + "processing"
}

// RetryKey returns a redis key for the retry tasks.
func RetryKey(category string) string {
	return CategoryKeyPrefix(category) + "retry"
}

// DeadKey returns a redis key for the dead-letter tasks.
func DeadKey(category string) string {
	return CategoryKeyPrefix(category) + "dead"
}

// CompletedKey returns a redis key for the completed tasks kept for retention.
func CompletedKey(category string) string {
	return CategoryKeyPrefix(category) + "completed"
}

// ServerInfoKey returns a redis key for process info.
func ServerInfoKey(hostname string, pid int, serverID string) string {
	return fmt.Sprintf("agentq:servers:{%s:%d:%s}", hostname, pid, serverID)
}

// TaskMessage is the internal representation of a task with additional
// metadata fields. It is persisted as a flat redis hash, one field per
// struct field, so that operators can inspect records with plain HGETALL.
type TaskMessage struct {
	// ID is a unique identifier for each task.
	ID string

	// Category is the agent type this task belongs to.
	// Each category has its own ready/delayed/processing/retry/dead sets.
	Category string

	// Kind indicates what the executor should do; opaque to the queue.
	Kind string

	// Payload holds data needed to process the task, passed through
	// unmodified to the executor.
	Payload []byte

	// Priority determines ordering within the category's ready set.
	Priority Priority

	// Owner optionally identifies who submitted the task.
	// It is propagated to notifications only.
	Owner string

	// MaxRetries is the max number of retries for this task.
	MaxRetries int

	// RetryCount is the number of times we've retried this task so far.
	RetryCount int

	// Status is the task's lifecycle status.
	Status TaskStatus

	// CreatedAt is the time the task was enqueued, in Unix milliseconds.
	// Millisecond resolution keeps same-second enqueues in FIFO order
	// within a priority tier.
	CreatedAt int64

	// ScheduledAt is the absolute time a delayed task becomes due, in Unix time.
	//
	// Use zero to indicate no value.
	ScheduledAt int64

	// StartedAt is the time the task was claimed by a worker, in Unix time.
	//
	// Use zero to indicate no value.
	StartedAt int64

	// CompletedAt is the time the task reached a terminal status, in Unix time.
	//
	// Use zero to indicate no value.
	CompletedAt int64

	// ErrorMsg holds the error message from the last failure.
	ErrorMsg string

	// Result holds the data returned by a successful execution.
	Result []byte
}

// EncodeMessage flattens the given task message into alternating
// field/value pairs suitable for a redis HSET call.
func EncodeMessage(msg *TaskMessage) ([]interface{}, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return []interface{}{
		"task_id", msg.ID,
		"category", msg.Category,
		"kind", msg.Kind,
		"payload", string(msg.Payload),
		"priority", int(msg.Priority),
		"owner", msg.Owner,
		"max_retries", msg.MaxRetries,
		"retry_count", msg.RetryCount,
		"status", msg.Status.String(),
		"created_at", msg.CreatedAt,
		"scheduled_at", msg.ScheduledAt,
		"started_at", msg.StartedAt,
		"completed_at", msg.CompletedAt,
		"error_message", msg.ErrorMsg,
		"result", string(msg.Result),
	}, nil
}

// DecodeMessage rebuilds a task message from a redis hash.
func DecodeMessage(fields map[string]string) (*TaskMessage, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("cannot decode empty hash")
	}
	status, err := TaskStatusFromString(fields["status"])
	if err != nil {
		return nil, err
	}
	priority := Priority(cast.ToInt(fields["priority"]))
	if !priority.Valid() {
		return nil, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported priority", fields["priority"]))
	}
	return &TaskMessage{
		ID:          fields["task_id"],
		Category:    fields["category"],
		Kind:        fields["kind"],
		Payload:     []byte(fields["payload"]),
		Priority:    priority,
		Owner:       fields["owner"],
		MaxRetries:  cast.ToInt(fields["max_retries"]),
		RetryCount:  cast.ToInt(fields["retry_count"]),
		Status:      status,
		CreatedAt:   cast.ToInt64(fields["created_at"]),
		ScheduledAt: cast.ToInt64(fields["scheduled_at"]),
		StartedAt:   cast.ToInt64(fields["started_at"]),
		CompletedAt: cast.ToInt64(fields["completed_at"]),
		ErrorMsg:    fields["error_message"],
		Result:      []byte(fields["result"]),
	}, nil
}

// ServerInfo holds information about a running server.
type ServerInfo struct {
	Host              string         `json:"host"`
	PID               int            `json:"pid"`
	ServerID          string         `json:"server_id"`
	Categories        map[string]int `json:"categories"`
	Status            string         `json:"status"`
	Started           time.Time      `json:"started"`
	ActiveWorkerCount int            `json:"active_worker_count"`
}

// EncodeServerInfo marshals the given ServerInfo and returns the encoded bytes.
func EncodeServerInfo(info *ServerInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil server info")
	}
	return json.Marshal(info)
}

// DecodeServerInfo decodes the given bytes into ServerInfo.
func DecodeServerInfo(b []byte) (*ServerInfo, error) {
	var info ServerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Broker is a message broker that supports operations to manage task queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Enqueue adds the given task to its category's ready set.
	Enqueue(ctx context.Context, msg *TaskMessage) error

	// Schedule adds the given task to its category's delayed set,
	// due at processAt.
	Schedule(ctx context.Context, msg *TaskMessage, processAt time.Time) error

	// Dequeue atomically claims the highest-priority ready task in the
	// given category, moving it into the processing set under a lease.
	// It returns errors.ErrNoProcessableTask if the ready set is empty.
	Dequeue(ctx context.Context, category string, lease time.Duration) (*TaskMessage, error)

	// MarkCompleted records a successful execution and releases the claim.
	MarkCompleted(ctx context.Context, msg *TaskMessage, result []byte) error

	// Retry releases the claim and schedules the task for another attempt
	// at processAt, recording the failure.
	Retry(ctx context.Context, msg *TaskMessage, processAt time.Time, errMsg string) error

	// MarkDead releases the claim and moves the task to the dead-letter
	// set. The task is never reconsidered.
	MarkDead(ctx context.Context, msg *TaskMessage, errMsg string) error

	// ForwardIfReady moves due members of the delayed and retry sets
	// into the ready set for each given category.
	ForwardIfReady(ctx context.Context, categories ...string) error

	// Lease related methods.
	ListLeaseExpired(ctx context.Context, cutoff time.Time, categories ...string) ([]*TaskMessage, error)
	ExtendLease(ctx context.Context, category string, leaseDuration time.Duration, ids ...string) error

	// Retention related method.
	DeleteExpiredTerminalTasks(ctx context.Context, category string, cutoff time.Time, batchSize int) (int64, error)

	// State snapshot related methods.
	WriteServerState(ctx context.Context, info *ServerInfo, ttl time.Duration) error
	ClearServerState(ctx context.Context, host string, pid int, serverID string) error
}
