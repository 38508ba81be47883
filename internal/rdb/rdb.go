// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/agentq-io/agentq/internal/base"
	"github.com/agentq-io/agentq/internal/errors"
	"github.com/agentq-io/agentq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// RDB is a client interface to query and mutate task queues.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value.
// If the script fails, it returns a non-nil error.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// enqueueCmd enqueues a given task record.
//
// Input:
// KEYS[1] -> agentq:{<category>}:t:<task_id>
// KEYS[2] -> agentq:{<category>}:ready
// --
// ARGV[1] -> ready set score (priority band composed with enqueue time)
// ARGV[2] -> task id
// ARGV[3...] -> task record field-value pairs
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if task ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Enqueue adds the given task to the ready set of its category.
func (r *RDB) Enqueue(ctx context.Context, msg *base.TaskMessage) error {
	var op errors.Op = "rdb.Enqueue"
	fields, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllCategories, msg.Category).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.TaskKey(msg.Category, msg.ID),
		base.ReadyKey(msg.Category),
	}
	argv := []interface{}{
		base.ReadyScore(msg.Priority, time.UnixMilli(msg.CreatedAt)),
		msg.ID,
	}
	argv = append(argv, fields...)
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrTaskIDConflict)
	}
	return nil
}

// scheduleCmd schedules a given task record to be processed in the future.
//
// Input:
// KEYS[1] -> agentq:{<category>}:t:<task_id>
// KEYS[2] -> agentq:{<category>}:delayed
// --
// ARGV[1] -> scheduled time in unix time
// ARGV[2] -> task id
// ARGV[3...] -> task record field-value pairs
//
// Output:
// Returns 1 if successfully scheduled
// Returns 0 if task ID already exists
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Schedule adds the task to the delayed set to be processed in the future.
func (r *RDB) Schedule(ctx context.Context, msg *base.TaskMessage, processAt time.Time) error {
	var op errors.Op = "rdb.Schedule"
	fields, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllCategories, msg.Category).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	keys := []string{
		base.TaskKey(msg.Category, msg.ID),
		base.DelayedKey(msg.Category),
	}
	argv := []interface{}{
		processAt.Unix(),
		msg.ID,
	}
	argv = append(argv, fields...)
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrTaskIDConflict)
	}
	return nil
}

// dequeueCmd claims the highest-priority ready task.
//
// Popping from the ready set and inserting into the processing set happen
// inside this one script, so no two workers can ever claim the same task
// and a crash can never lose the claim bookkeeping between the two steps.
//
// Input:
// KEYS[1] -> agentq:{<category>}:ready
// KEYS[2] -> agentq:{<category>}:processing
// --
// ARGV[1] -> lease deadline in unix time
// ARGV[2] -> task key prefix
// ARGV[3] -> current time in unix time
//
// Output:
// Returns nil if no ready task is found in the given category.
// Returns {0, id} if the popped id has no backing record.
// Returns {1, <task record field-value pairs>} on success.
var dequeueCmd = redis.NewScript(`
local res = redis.call("ZPOPMAX", KEYS[1])
if #res == 0 then
	return nil
end
local id = res[1]
local key = ARGV[2] .. id
if redis.call("EXISTS", key) == 0 then
	return {0, id}
end
redis.call("ZADD", KEYS[2], ARGV[1], id)
redis.call("HSET", key, "status", "processing", "started_at", ARGV[3])
return {1, redis.call("HGETALL", key)}
`)

// Dequeue atomically claims the highest-priority task from the category's
// ready set and moves it into the processing set under a lease expiring
// after leaseDuration.
//
// Dequeue returns errors.ErrNoProcessableTask if the ready set is empty, and
// a *errors.TaskNotFoundError if a popped id turned out to have no backing
// record (a data-consistency fault; the claim is discarded).
func (r *RDB) Dequeue(ctx context.Context, category string, leaseDuration time.Duration) (*base.TaskMessage, error) {
	var op errors.Op = "rdb.Dequeue"
	now := r.clock.Now()
	keys := []string{
		base.ReadyKey(category),
		base.ProcessingKey(category),
	}
	argv := []interface{}{
		now.Add(leaseDuration).Unix(),
		base.TaskKeyPrefix(category),
		now.Unix(),
	}
	res, err := dequeueCmd.Run(ctx, r.client, keys, argv...).Result()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
	} else if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	code, ok := reply[0].(int64)
	if !ok {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected code from Lua script: %v", reply[0]))
	}
	if code == 0 {
		id, _ := reply[1].(string)
		return nil, errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Category: category, ID: id})
	}
	fields, err := decodeHashReply(reply[1])
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	msg, err := base.DecodeMessage(fields)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	return msg, nil
}

// markCompletedCmd records a successful execution.
//
// Input:
// KEYS[1] -> agentq:{<category>}:processing
// KEYS[2] -> agentq:{<category>}:t:<task_id>
// KEYS[3] -> agentq:{<category>}:completed
// --
// ARGV[1] -> task id
// ARGV[2] -> current time in unix time
// ARGV[3] -> result payload
//
// Output:
// Returns 1 on success, 0 if the task record no longer exists.
var markCompletedCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], "status", "completed", "completed_at", ARGV[2], "result", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// MarkCompleted removes the task from the processing set and marks the task
// record completed, attaching the given result. The completed set entry is
// used solely for retention accounting by the janitor.
func (r *RDB) MarkCompleted(ctx context.Context, msg *base.TaskMessage, result []byte) error {
	var op errors.Op = "rdb.MarkCompleted"
	now := r.clock.Now()
	keys := []string{
		base.ProcessingKey(msg.Category),
		base.TaskKey(msg.Category, msg.ID),
		base.CompletedKey(msg.Category),
	}
	argv := []interface{}{
		msg.ID,
		now.Unix(),
		string(result),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, markCompletedCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Category: msg.Category, ID: msg.ID})
	}
	return nil
}

// retryCmd releases the claim and schedules another attempt.
//
// Input:
// KEYS[1] -> agentq:{<category>}:processing
// KEYS[2] -> agentq:{<category>}:t:<task_id>
// KEYS[3] -> agentq:{<category>}:retry
// --
// ARGV[1] -> task id
// ARGV[2] -> retry time in unix time
// ARGV[3] -> updated retry count
// ARGV[4] -> error message
//
// Output:
// Returns 1 on success, 0 if the task record no longer exists.
var retryCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], "status", "retry", "retry_count", ARGV[3], "error_message", ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// Retry moves the task from the processing set into the retry set, recording
// the failure and the time of the next attempt. The caller supplies msg with
// the already-incremented RetryCount.
func (r *RDB) Retry(ctx context.Context, msg *base.TaskMessage, processAt time.Time, errMsg string) error {
	var op errors.Op = "rdb.Retry"
	keys := []string{
		base.ProcessingKey(msg.Category),
		base.TaskKey(msg.Category, msg.ID),
		base.RetryKey(msg.Category),
	}
	argv := []interface{}{
		msg.ID,
		processAt.Unix(),
		msg.RetryCount,
		errMsg,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, retryCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Category: msg.Category, ID: msg.ID})
	}
	return nil
}

// markDeadCmd moves an exhausted task to the dead-letter set.
//
// Input:
// KEYS[1] -> agentq:{<category>}:processing
// KEYS[2] -> agentq:{<category>}:t:<task_id>
// KEYS[3] -> agentq:{<category>}:dead
// --
// ARGV[1] -> task id
// ARGV[2] -> current time in unix time
// ARGV[3] -> updated retry count
// ARGV[4] -> error message
//
// Output:
// Returns 1 on success, 0 if the task record no longer exists.
var markDeadCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], "status", "dead", "completed_at", ARGV[2], "retry_count", ARGV[3], "error_message", ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// MarkDead moves the task to the dead-letter set of its category. The task
// is terminal from here on and is only removed by the janitor once the
// retention window passes.
func (r *RDB) MarkDead(ctx context.Context, msg *base.TaskMessage, errMsg string) error {
	var op errors.Op = "rdb.MarkDead"
	now := r.clock.Now()
	keys := []string{
		base.ProcessingKey(msg.Category),
		base.TaskKey(msg.Category, msg.ID),
		base.DeadKey(msg.Category),
	}
	argv := []interface{}{
		msg.ID,
		now.Unix(),
		msg.RetryCount,
		errMsg,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, markDeadCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Category: msg.Category, ID: msg.ID})
	}
	return nil
}

// Note: the 1e13 priority band must match base.ReadyScore, and created_at
// is in unix milliseconds.
//
// forwardCmd moves all due members of a source set to the ready set,
// re-scored by priority and original enqueue time read from the task
// record. Records that have vanished are dropped from the source set.
//
// Input:
// KEYS[1] -> source set (agentq:{<category>}:delayed or agentq:{<category>}:retry)
// KEYS[2] -> agentq:{<category>}:ready
// --
// ARGV[1] -> current time in unix time
// ARGV[2] -> task key prefix
//
// Output:
// Returns the number of members moved.
var forwardCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	local priority = tonumber(redis.call("HGET", key, "priority"))
	local created = tonumber(redis.call("HGET", key, "created_at"))
	if priority then
		redis.call("ZADD", KEYS[2], priority * 1e13 - created, id)
		redis.call("HSET", key, "status", "queued")
	end
	redis.call("ZREM", KEYS[1], id)
end
return table.getn(ids)
`)

// forward moves due tasks from src into the ready set of the category.
func (r *RDB) forward(ctx context.Context, src, dst, taskKeyPrefix string) (int, error) {
	now := r.clock.Now()
	res, err := forwardCmd.Run(ctx, r.client, []string{src, dst}, now.Unix(), taskKeyPrefix).Result()
	if err != nil {
		return 0, errors.E(errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return int(n), nil
}

// forwardAll checks the delayed and retry sets of the given category and
// move any due tasks to the ready set.
func (r *RDB) forwardAll(ctx context.Context, category string) error {
	sources := []string{base.DelayedKey(category), base.RetryKey(category)}
	dst := base.ReadyKey(category)
	prefix := base.TaskKeyPrefix(category)
	for _, src := range sources {
		n := 1
		for n != 0 {
			var err error
			n, err = r.forward(ctx, src, dst, prefix)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ForwardIfReady checks delayed and retry sets of the given categories and
// move any tasks that are ready to be processed to the ready set.
func (r *RDB) ForwardIfReady(ctx context.Context, categories ...string) error {
	var op errors.Op = "rdb.ForwardIfReady"
	for _, category := range categories {
		if err := r.forwardAll(ctx, category); err != nil {
			return errors.E(op, errors.CanonicalCode(err), err)
		}
	}
	return nil
}

// listLeaseExpiredCmd lists the records of processing-set members whose
// lease deadline has passed. Orphaned claims with no backing record are
// dropped on the spot.
//
// Input:
// KEYS[1] -> agentq:{<category>}:processing
// --
// ARGV[1] -> cutoff in unix time
// ARGV[2] -> task key prefix
var listLeaseExpiredCmd = redis.NewScript(`
local res = {}
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	local v = redis.call("HGETALL", ARGV[2] .. id)
	if #v > 0 then
		table.insert(res, v)
	else
		redis.call("ZREM", KEYS[1], id)
	end
end
return res
`)

// ListLeaseExpired returns a list of task messages that have expired leases.
func (r *RDB) ListLeaseExpired(ctx context.Context, cutoff time.Time, categories ...string) ([]*base.TaskMessage, error) {
	var op errors.Op = "rdb.ListLeaseExpired"
	var msgs []*base.TaskMessage
	for _, category := range categories {
		res, err := listLeaseExpiredCmd.Run(ctx, r.client,
			[]string{base.ProcessingKey(category)},
			cutoff.Unix(), base.TaskKeyPrefix(category)).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
		}
		reply, ok := res.([]interface{})
		if !ok {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
		}
		for _, data := range reply {
			fields, err := decodeHashReply(data)
			if err != nil {
				return nil, errors.E(op, errors.Internal, err)
			}
			msg, err := base.DecodeMessage(fields)
			if err != nil {
				return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// extendLeaseCmd pushes the lease deadline of in-flight tasks forward.
// XX keeps the update scoped to ids still present in the processing set.
//
// Input:
// KEYS[1] -> agentq:{<category>}:processing
// --
// ARGV[1] -> new lease deadline in unix time
// ARGV[2...] -> task ids
var extendLeaseCmd = redis.NewScript(`
for i = 2, #ARGV do
	redis.call("ZADD", KEYS[1], "XX", ARGV[1], ARGV[i])
end
return redis.status_reply("OK")
`)

// ExtendLease extends the lease for the given tasks by leaseDuration from now.
func (r *RDB) ExtendLease(ctx context.Context, category string, leaseDuration time.Duration, ids ...string) error {
	var op errors.Op = "rdb.ExtendLease"
	if len(ids) == 0 {
		return nil
	}
	argv := []interface{}{r.clock.Now().Add(leaseDuration).Unix()}
	for _, id := range ids {
		argv = append(argv, id)
	}
	return r.runScript(ctx, op, extendLeaseCmd, []string{base.ProcessingKey(category)}, argv...)
}

// deleteExpiredCmd prunes terminal set entries older than the cutoff along
// with their backing records.
//
// Input:
// KEYS[1] -> agentq:{<category>}:dead or agentq:{<category>}:completed
// --
// ARGV[1] -> cutoff in unix time
// ARGV[2] -> batch size
// ARGV[3] -> task key prefix
//
// Output:
// Returns the number of records deleted.
var deleteExpiredCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[3] .. id)
	redis.call("ZREM", KEYS[1], id)
end
return table.getn(ids)
`)

// DeleteExpiredTerminalTasks deletes terminal (dead and completed) tasks
// whose terminal time is before the cutoff, freeing store space. It deletes
// up to batchSize tasks per terminal set and returns the total deleted.
func (r *RDB) DeleteExpiredTerminalTasks(ctx context.Context, category string, cutoff time.Time, batchSize int) (int64, error) {
	var op errors.Op = "rdb.DeleteExpiredTerminalTasks"
	var total int64
	for _, key := range []string{base.DeadKey(category), base.CompletedKey(category)} {
		n, err := r.runScriptWithErrorCode(ctx, op, deleteExpiredCmd,
			[]string{key},
			cutoff.Unix(), batchSize, base.TaskKeyPrefix(category))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// WriteServerState writes server state data to redis with expiration set to
// the value ttl.
func (r *RDB) WriteServerState(ctx context.Context, info *base.ServerInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteServerState"
	bytes, err := base.EncodeServerInfo(info)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode server info: %v", err))
	}
	skey := base.ServerInfoKey(info.Host, info.PID, info.ServerID)
	exp := r.clock.Now().Add(ttl).UTC()
	if err := r.client.ZAdd(ctx, base.AllServers, redis.Z{Score: float64(exp.Unix()), Member: skey}).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	if err := r.client.Set(ctx, skey, bytes, ttl).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "set", Err: err})
	}
	return nil
}

// ClearServerState deletes server state data from redis.
func (r *RDB) ClearServerState(ctx context.Context, host string, pid int, serverID string) error {
	var op errors.Op = "rdb.ClearServerState"
	skey := base.ServerInfoKey(host, pid, serverID)
	if err := r.client.ZRem(ctx, base.AllServers, skey).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrem", Err: err})
	}
	if err := r.client.Del(ctx, skey).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "del", Err: err})
	}
	return nil
}

// decodeHashReply converts an HGETALL reply embedded in a Lua script return
// value (a flat field, value, field, value... array) into a string map.
func decodeHashReply(reply interface{}) (map[string]string, error) {
	pairs, ok := reply.([]interface{})
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply from Lua script: %v", reply)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		k, kok := pairs[i].(string)
		v, vok := pairs[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected hash reply element from Lua script: %v, %v", pairs[i], pairs[i+1])
		}
		fields[k] = v
	}
	return fields, nil
}
