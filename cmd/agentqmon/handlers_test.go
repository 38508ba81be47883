package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq-io/agentq"
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
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 13})
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

func newTestServer(tb testing.TB) (*httptest.Server, redis.UniversalClient) {
	tb.Helper()
	redisClient := setupRedisClient(tb)
	mux := http.NewServeMux()
	newHandler(agentq.NewInspectorFromRedisClient(redisClient)).registerRoutes(mux)
	srv := httptest.NewServer(mux)
	tb.Cleanup(srv.Close)
	return srv, redisClient
}

func TestHandleHealthIncludesStats(t *testing.T) {
	srv, redisClient := newTestServer(t)

	c := agentq.NewClientFromRedisClient(redisClient)
	_, err := c.Enqueue(agentq.NewTask("content_writer", "generate_post", []byte(`{"topic":"go"}`)))
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var got healthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.True(t, got.Healthy)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.Stats)
	assert.EqualValues(t, 1, got.Stats.TotalReady)
	require.Len(t, got.Stats.Categories, 1)
	assert.Equal(t, "content_writer", got.Stats.Categories[0].Category)
}

func TestHandleStats(t *testing.T) {
	srv, redisClient := newTestServer(t)

	c := agentq.NewClientFromRedisClient(redisClient)
	_, err := c.Enqueue(agentq.NewTask("reviewer", "review_draft", []byte(`{"draft_id":"d1"}`)),
		agentq.ProcessIn(time.Hour))
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var got aggregateStatsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.EqualValues(t, 1, got.TotalDelayed)
	assert.Zero(t, got.TotalReady)
}
