package isp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r, err := New("", filepath.Join(t.TempDir(), "isp_cache.json"), 24*time.Hour, 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestLookupInvalidAndPrivate(t *testing.T) {
	r := testResolver(t)
	ctx := context.Background()

	if got := r.Lookup(ctx, "not-an-ip"); got != invalidIP {
		t.Fatalf("invalid: %q", got)
	}
	if got := r.Lookup(ctx, "10.8.1.2"); got != privateRange {
		t.Fatalf("private: %q", got)
	}
	if got := r.Lookup(ctx, "192.168.1.1"); got != privateRange {
		t.Fatalf("private: %q", got)
	}
	if got := r.Lookup(ctx, "127.0.0.1"); got != privateRange {
		t.Fatalf("loopback: %q", got)
	}
}

func TestCacheHitSkipsResolution(t *testing.T) {
	r := testResolver(t)
	r.mu.Lock()
	r.cache["203.0.113.5"] = cacheEntry{ISP: "Example Telecom", Timestamp: time.Now().UTC()}
	r.mu.Unlock()

	if got := r.Lookup(context.Background(), "203.0.113.5"); got != "Example Telecom" {
		t.Fatalf("cache miss: %q", got)
	}
}

func TestEvictDropsExpiredEntries(t *testing.T) {
	r := testResolver(t)
	now := time.Now().UTC()
	r.mu.Lock()
	r.cache["1.1.1.1"] = cacheEntry{ISP: "Fresh", Timestamp: now.Add(-time.Hour)}
	r.cache["2.2.2.2"] = cacheEntry{ISP: "Stale", Timestamp: now.Add(-25 * time.Hour)}
	r.mu.Unlock()

	r.Evict(now)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache["1.1.1.1"]; !ok {
		t.Fatal("fresh entry evicted")
	}
	if _, ok := r.cache["2.2.2.2"]; ok {
		t.Fatal("stale entry survived")
	}
}

func TestCachePersistsAcrossRestarts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "isp_cache.json")

	r, err := New("", path, 24*time.Hour, 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	r.mu.Lock()
	r.cache["203.0.113.9"] = cacheEntry{ISP: "Persisted ISP", Timestamp: time.Now().UTC()}
	r.saveCache()
	r.mu.Unlock()

	r2, err := New("", path, 24*time.Hour, 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.Lookup(context.Background(), "203.0.113.9"); got != "Persisted ISP" {
		t.Fatalf("got %q", got)
	}
}
