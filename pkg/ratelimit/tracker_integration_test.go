//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_GetState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, "zenodo", logger)
	ctx := context.Background()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("Default state should be healthy")
	}

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "75")
	headers.Set("X-RateLimit-Reset", "120")

	if err := tracker.UpdateFromHeaders(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() after update error = %v", err)
	}
	if state.Remaining != 75 {
		t.Errorf("Remaining = %d, want 75", state.Remaining)
	}

	tolerance := 5 * time.Second
	if d := state.TimeUntilReset(); d < 120*time.Second-tolerance || d > 120*time.Second+tolerance {
		t.Errorf("TimeUntilReset = %v, want approximately 2m", d)
	}
}

func TestTracker_Integration_PastResetStillExpires(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, "zenodo", logger)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "2")
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err := tracker.UpdateFromHeaders(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	for _, field := range []string{fieldRemaining, fieldResetAt, fieldLastUpdate} {
		ttl, err := redisClient.TTL(ctx, redisKey("zenodo", field)).Result()
		if err != nil {
			t.Fatalf("TTL(%s) error = %v", field, err)
		}
		if ttl <= 0 || ttl > stateGrace {
			t.Errorf("TTL(%s) = %v, want in (0, %v]", field, ttl, stateGrace)
		}
	}
}

func TestTracker_Integration_ProvidersAreIsolated(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	zenodo := NewTracker(redisClient, "zenodo", logger)
	dryad := NewTracker(redisClient, "dryad", logger)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "1")
	headers.Set("X-RateLimit-Reset", "60")
	if err := zenodo.UpdateFromHeaders(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := dryad.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("dryad state should not be affected by zenodo headers")
	}
}

func TestTracker_Integration_WaitCritical(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, "datacite", logger)
	tracker.MaxWait = 200 * time.Millisecond
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Retry-After", "30")
	if err := tracker.UpdateFromHeaders(ctx, http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to hold for MaxWait", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := tracker.Wait(cancelled); err == nil {
		t.Error("Wait() with cancelled context should fail")
	}
}

func TestTracker_Integration_WaitThrottles(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, "dryad", logger)
	tracker.ThrottleDelay = 50 * time.Millisecond
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "5")
	headers.Set("X-RateLimit-Reset", "60")
	if err := tracker.UpdateFromHeaders(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= 50ms", elapsed)
	}
}
