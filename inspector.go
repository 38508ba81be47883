// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentq-io/agentq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Inspector provides read-only access to queue statistics, task records and
// server health for operators and administrators.
type Inspector struct {
	rdb *rdb.RDB
	// When an Inspector has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt) *Inspector {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("agentq: unsupported RedisConnOpt type %T", r))
	}
	inspector := NewInspectorFromRedisClient(redisClient)
	inspector.sharedConnection = false
	return inspector
}

// NewInspectorFromRedisClient returns a new instance of Inspector given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by agentq, you are responsible for closing it.
func NewInspectorFromRedisClient(c redis.UniversalClient) *Inspector {
	return &Inspector{rdb: rdb.NewRDB(c), sharedConnection: true}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	if i.sharedConnection {
		return fmt.Errorf("agentq: cannot close redis connection shared by the inspector")
	}
	return i.rdb.Close()
}

// CategoryStats represents the queue state of one category at a point in time.
type CategoryStats struct {
	// Name of the category.
	Category string

	// Number of tasks eligible for immediate dequeue.
	Ready int64
	// Number of tasks waiting for their scheduled time.
	Delayed int64
	// Number of claimed, in-flight tasks.
	Processing int64
	// Number of tasks awaiting backoff expiry.
	Retry int64
	// Number of tasks that exhausted their retry budget.
	Dead int64
	// Number of completed tasks still within the retention window.
	Completed int64

	// Time this snapshot was taken.
	Timestamp time.Time
}

// AggregateStats sums queue state over every category and reports the
// worker fleet alongside.
type AggregateStats struct {
	Categories []*CategoryStats

	TotalReady      int64
	TotalDelayed    int64
	TotalProcessing int64
	TotalRetry      int64
	TotalDead       int64
	TotalCompleted  int64

	// Number of alive worker servers and their active pollers currently
	// working on a task.
	ActiveServers int
	ActiveWorkers int
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	// Healthy reports whether the backing store answered the probe.
	Healthy bool
	// Error holds the probe failure, if any.
	Error string

	Stats *AggregateStats
}

// Categories returns a list of all task categories ever used.
func (i *Inspector) Categories(ctx context.Context) ([]string, error) {
	categories, err := i.rdb.AllCategories(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(categories)
	return categories, nil
}

// CurrentStats returns a current stats snapshot of the given category.
func (i *Inspector) CurrentStats(ctx context.Context, category string) (*CategoryStats, error) {
	stats, err := i.rdb.CurrentStats(ctx, category)
	if err != nil {
		return nil, err
	}
	return &CategoryStats{
		Category:   stats.Category,
		Ready:      stats.Ready,
		Delayed:    stats.Delayed,
		Processing: stats.Processing,
		Retry:      stats.Retry,
		Dead:       stats.Dead,
		Completed:  stats.Completed,
		Timestamp:  stats.Timestamp,
	}, nil
}

// AggregateStats returns stats snapshots of every category along with
// totals and the number of alive servers and active worker pollers.
func (i *Inspector) AggregateStats(ctx context.Context) (*AggregateStats, error) {
	categories, err := i.Categories(ctx)
	if err != nil {
		return nil, err
	}
	agg := &AggregateStats{}
	for _, category := range categories {
		stats, err := i.CurrentStats(ctx, category)
		if err != nil {
			return nil, err
		}
		agg.Categories = append(agg.Categories, stats)
		agg.TotalReady += stats.Ready
		agg.TotalDelayed += stats.Delayed
		agg.TotalProcessing += stats.Processing
		agg.TotalRetry += stats.Retry
		agg.TotalDead += stats.Dead
		agg.TotalCompleted += stats.Completed
	}
	servers, err := i.rdb.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	agg.ActiveServers = len(servers)
	for _, srv := range servers {
		agg.ActiveWorkers += srv.ActiveWorkerCount
	}
	return agg, nil
}

// Health probes the backing store and, when reachable, attaches the
// aggregate stats snapshot to the report.
func (i *Inspector) Health(ctx context.Context) *HealthStatus {
	if err := i.rdb.Ping(); err != nil {
		return &HealthStatus{Healthy: false, Error: err.Error()}
	}
	status := &HealthStatus{Healthy: true}
	stats, err := i.AggregateStats(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Stats = stats
	return status
}

// GetTaskInfo returns the current record of the task with the given id in
// the given category. This is how producers learn of a task's eventual
// success or failure.
func (i *Inspector) GetTaskInfo(ctx context.Context, category, id string) (*TaskInfo, error) {
	msg, err := i.rdb.GetTaskInfo(ctx, category, id)
	if err != nil {
		return nil, err
	}
	return newTaskInfo(msg), nil
}

// ListDeadTasks returns up to n dead-lettered tasks of the given category,
// most recently dead-lettered first.
func (i *Inspector) ListDeadTasks(ctx context.Context, category string, n int) ([]*TaskInfo, error) {
	if n <= 0 {
		n = 100
	}
	msgs, err := i.rdb.ListDead(ctx, category, int64(n))
	if err != nil {
		return nil, err
	}
	var infos []*TaskInfo
	for _, msg := range msgs {
		infos = append(infos, newTaskInfo(msg))
	}
	return infos, nil
}
