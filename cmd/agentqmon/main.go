// Command agentqmon serves a read-only JSON monitoring API for an agentq
// deployment: queue statistics per category, dead-lettered tasks, and a
// store health probe.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/agentq-io/agentq"
)

// config is read from the environment.
type config struct {
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Port           int           `env:"PORT" envDefault:"8080"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment config: %v", err)
	}

	redisConnOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL %q: %v", cfg.RedisURL, err)
	}
	client := redis.NewClient(redisConnOpt)
	defer client.Close()

	// Verify Redis connection before serving.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", redisConnOpt.Addr, err)
	}
	log.Printf("Connected to Redis at %s", redisConnOpt.Addr)

	inspector := agentq.NewInspectorFromRedisClient(client)

	// Setup routes.
	mux := http.NewServeMux()
	newHandler(inspector).registerRoutes(mux)

	// Start server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	// Handle shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		server.Close()
	}()

	log.Printf("AgentQ monitor starting on http://localhost%s", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
