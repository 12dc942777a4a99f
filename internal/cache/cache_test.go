package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSessionKeyFormat(t *testing.T) {
	if key := SessionKey("team-alpha"); key != "session:team-alpha" {
		t.Fatalf("unexpected session key %q", key)
	}
}

func TestBundleKeyIncludesContentHash(t *testing.T) {
	first := BundleKey("team-alpha", "00000000deadbeef")
	second := BundleKey("team-alpha", "00000000cafebabe")

	if first != "bundle:team-alpha:00000000deadbeef" {
		t.Fatalf("unexpected bundle key %q", first)
	}
	if first == second {
		t.Fatalf("expected content change to rotate the bundle key")
	}
}

func TestRedisStoreSurfacesBackendFailures(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	store := NewRedisStore(client)

	ctx := context.Background()
	if _, err := store.Get(ctx, "session:demo"); err == nil {
		t.Fatalf("expected get against unreachable backend to fail")
	}
	if err := store.Set(ctx, "session:demo", []byte("x"), time.Minute); err == nil {
		t.Fatalf("expected set against unreachable backend to fail")
	}
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping against unreachable backend to fail")
	}
}
