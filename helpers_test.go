// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package agentq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentq-io/agentq/internal/rdb"
)

// setupRedisClient returns a redis client against a live instance, flushed
// clean. The test is skipped when no redis server is reachable; set
// AGENTQ_TEST_REDIS to point the tests at a non-default instance.
func setupRedisClient(tb testing.TB) redis.UniversalClient {
	tb.Helper()
	addr := os.Getenv("AGENTQ_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		tb.Skipf("no redis server reachable at %s: %v", addr, err)
	}
	require.NoError(tb, client.FlushDB(context.Background()).Err())
	tb.Cleanup(func() { client.Close() })
	return client
}

// setupRDB is a convenience wrapper for tests that need direct access to
// the broker's state.
func setupRDB(tb testing.TB) (*rdb.RDB, redis.UniversalClient) {
	tb.Helper()
	client := setupRedisClient(tb)
	return rdb.NewRDB(client), client
}
