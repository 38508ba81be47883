// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Stats represents a state of a category at a certain time.
type Stats struct {
	// Name of the category.
	Category string

	// Number of tasks in each set.
	Ready      int64
	Delayed    int64
	Processing int64
	Retry      int64
	Dead       int64
	Completed  int64

	// Time this stats was taken.
	Timestamp time.Time
}

// AllCategories returns a list of all task categories ever used.
func (r *RDB) AllCategories(ctx context.Context) ([]string, error) {
	var op errors.Op = "rdb.AllCategories"
	categories, err := r.client.SMembers(ctx, base.AllCategories).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "smembers", Err: err})
	}
	return categories, nil
}

// currentStatsCmd counts members of every set of one category.
//
// Input:
// KEYS[1] -> ready, KEYS[2] -> delayed, KEYS[3] -> processing,
// KEYS[4] -> retry, KEYS[5] -> dead, KEYS[6] -> completed
var currentStatsCmd = redis.NewScript(`
local res = {}
for i = 1, 6 do
	table.insert(res, redis.call("ZCARD", KEYS[i]))
end
return res
`)

// CurrentStats returns a current state of the given category.
func (r *RDB) CurrentStats(ctx context.Context, category string) (*Stats, error) {
	var op errors.Op = "rdb.CurrentStats"
	exists, err := r.client.SIsMember(ctx, base.AllCategories, category).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sismember", Err: err})
	}
	if !exists {
		return nil, errors.E(op, errors.NotFound, &errors.CategoryNotFoundError{Category: category})
	}
	res, err := currentStatsCmd.Run(ctx, r.client, []string{
		base.ReadyKey(category),
		base.DelayedKey(category),
		base.ProcessingKey(category),
		base.RetryKey(category),
		base.DeadKey(category),
		base.CompletedKey(category),
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	counts, ok := res.([]interface{})
	if !ok || len(counts) != 6 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	stats := &Stats{Category: category, Timestamp: r.clock.Now()}
	for i, dst := range []*int64{&stats.Ready, &stats.Delayed, &stats.Processing, &stats.Retry, &stats.Dead, &stats.Completed} {
		n, ok := counts[i].(int64)
		if !ok {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected count from Lua script: %v", counts[i]))
		}
		*dst = n
	}
	return stats, nil
}

// GetTaskInfo returns the task record for the given category and id.
func (r *RDB) GetTaskInfo(ctx context.Context, category, id string) (*base.TaskMessage, error) {
	var op errors.Op = "rdb.GetTaskInfo"
	fields, err := r.client.HGetAll(ctx, base.TaskKey(category, id)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(fields) == 0 {
		return nil, errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Category: category, ID: id})
	}
	msg, err := base.DecodeMessage(fields)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	return msg, nil
}

// ListDead returns up to limit dead-lettered task records of the given
// category, most recently dead-lettered first, for operator inspection.
func (r *RDB) ListDead(ctx context.Context, category string, limit int64) ([]*base.TaskMessage, error) {
	var op errors.Op = "rdb.ListDead"
	ids, err := r.client.ZRevRange(ctx, base.DeadKey(category), 0, limit-1).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrevrange", Err: err})
	}
	var msgs []*base.TaskMessage
	for _, id := range ids {
		msg, err := r.GetTaskInfo(ctx, category, id)
		if err != nil {
			if errors.IsTaskNotFound(err) {
				continue // pruned between the range and the read
			}
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ListServers returns the info of all currently alive servers.
func (r *RDB) ListServers(ctx context.Context) ([]*base.ServerInfo, error) {
	var op errors.Op = "rdb.ListServers"
	now := r.clock.Now()
	keys, err := r.client.ZRangeByScore(ctx, base.AllServers, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
	}
	var servers []*base.ServerInfo
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue // skip bad data
		}
		info, err := base.DecodeServerInfo([]byte(data))
		if err != nil {
			continue // skip bad data
		}
		servers = append(servers, info)
	}
	return servers, nil
}
