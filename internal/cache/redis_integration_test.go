//go:build integration

package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Run with: REDIS_URL=redis://localhost:6379/0 go test -tags=integration ./internal/cache

type cachedBook struct {
	Title string `json:"title"`
	Year  *int   `json:"year"`
}

func TestIntegration_RedisCache(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, redisURL, slog.Default())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	c := NewRedisCache[[]cachedBook](client, "booklog:test:"+uuid.NewString()+":", 5*time.Second, nil)

	if _, ok := c.Get(ctx, "dune"); ok {
		t.Fatal("expected miss before Set")
	}

	year := 1965
	c.Set(ctx, "dune", []cachedBook{{Title: "Dune", Year: &year}})
	got, ok := c.Get(ctx, "dune")
	if !ok || len(got) != 1 || got[0].Title != "Dune" || *got[0].Year != 1965 {
		t.Fatalf("Get(dune) = %+v, %v", got, ok)
	}

	c.Delete(ctx, "dune")
	if _, ok := c.Get(ctx, "dune"); ok {
		t.Error("expected miss after Delete")
	}
}
