// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package agentq provides a distributed task queue for agent execution,
backed by Redis.

AgentQ decouples task submission from execution: producers enqueue tasks for
agents ("categories") to process, a pool of concurrent worker pollers per
category claims tasks in priority order and hands them to a pluggable
Executor, and a set of maintenance routines promotes delayed and retrying
tasks, reclaims tasks abandoned by crashed workers, and prunes old terminal
records.

# Features

Core Features:
  - Priority Ordering: five priority levels, highest dequeued first,
    FIFO within a level
  - Delayed/Scheduled Tasks: enqueue tasks to become due at a future time
  - Retry with Exponential Backoff: failed tasks retry with a capped,
    doubling delay until their retry budget runs out
  - Dead-Letter Isolation: permanently failed tasks are kept queryable
    for operator inspection, never re-run
  - Lease-Based Reclaim: tasks claimed by a crashed worker are requeued
    once their lease expires

Supporting Features:
  - Per-Category Worker Pools: configurable number of pollers per agent type
  - Best-Effort Event Notifications: creation, start, completion and
    failure events that can never affect queue correctness
  - Statistics and Health Reporting: per-category and aggregate counts for
    every queue state, plus store connectivity probes
  - Graceful Shutdown: clean termination on OS signals

# Quick Start

Client (Enqueue Tasks):

	client := agentq.NewClient(agentq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	payload, _ := json.Marshal(map[string]string{"topic": "quarterly results"})
	task := agentq.NewTask("content_writer", "generate_post", payload)
	info, err := client.Enqueue(task, agentq.WithPriority(agentq.PriorityHigh))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Server (Process Tasks):

	srv := agentq.NewServer(
		agentq.RedisClientOpt{Addr: "localhost:6379"},
		agentq.Config{
			Categories: map[string]int{
				"content_writer": 4,
				"reviewer":       2,
			},
		},
	)

	executor := agentq.ExecutorFunc(func(ctx context.Context, task *agentq.Task) ([]byte, error) {
		log.Printf("Executing task: category=%s kind=%s", task.Category(), task.Kind())
		return []byte(`{"ok":true}`), nil
	})

	if err := srv.Run(executor); err != nil {
		log.Fatal(err)
	}

# Task Options

Available options for Enqueue:

	WithPriority(p)  - Priority level (low, normal, high, urgent, critical)
	MaxRetry(n)      - Maximum retry attempts
	Owner(id)        - Opaque submitter id, propagated to notifications
	ProcessIn(d)     - Delay processing by duration
	ProcessAt(t)     - Schedule at specific time
	TaskID(id)       - Custom task ID

# Architecture

AgentQ uses Redis as the shared store. Each category owns a set of sorted
sets (ready, delayed, processing, retry, dead, completed) plus one hash per
task record. Every state transition is a single server-side Lua script, so
a task id can never appear in two sets at once and no two workers can claim
the same task.

The Server spawns multiple goroutines:
  - Processor: worker pollers that dequeue tasks and invoke the Executor
  - Forwarder: moves due delayed/retry tasks to the ready set
  - Reclaimer: requeues tasks whose worker lease has expired
  - Heartbeater: writes server state and extends in-flight leases
  - Janitor: prunes terminal records past the retention window
  - Healthchecker: probes store connectivity

Producers learn of a task's eventual outcome by re-querying its record via
the Inspector; no queue operation ever blocks on task execution.
*/
package agentq
