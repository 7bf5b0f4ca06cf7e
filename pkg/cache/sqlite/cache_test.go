package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/relay/pkg/models"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHashPrompt(t *testing.T) {
	req := models.GenerationRequest{Prompt: "hello", Params: models.DefaultParams()}
	h1 := HashPrompt("llama-70b", req)
	h2 := HashPrompt("llama-70b", req)
	h3 := HashPrompt("mixtral", req)

	if h1 != h2 {
		t.Error("same input should produce same hash")
	}
	if h1 == h3 {
		t.Error("different model should produce different hash")
	}

	withSystem := req
	withSystem.SystemPrompt = "be brief"
	if HashPrompt("llama-70b", withSystem) == h1 {
		t.Error("system prompt should change the hash")
	}

	hotter := req
	hotter.Params.Temperature = 1.2
	if HashPrompt("llama-70b", hotter) == h1 {
		t.Error("sampling params should change the hash")
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()
	hash := HashPrompt("llama-70b", models.GenerationRequest{Prompt: "hi"})

	want := models.GenerationResult{Text: "hello", TokensUsed: 12, Cost: 0.01, Outcome: models.OutcomeOK}
	if err := c.Put(ctx, hash, "llama-70b", want); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get(ctx, hash, "llama-70b")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Text != "hello" || got.TokensUsed != 12 {
		t.Errorf("unexpected result: %+v", got)
	}

	// Miss for different model
	_, ok = c.Get(ctx, hash, "mixtral")
	if ok {
		t.Error("expected cache miss for different model")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := newTestCache(t, 1*time.Millisecond)
	ctx := context.Background()
	hash := "testhash"

	if err := c.Put(ctx, hash, "llama-70b", models.GenerationResult{Text: "data"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	_, ok := c.Get(ctx, hash, "llama-70b")
	if ok {
		t.Error("expected cache miss after TTL expiration")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Put(ctx, "h1", "llama-70b", models.GenerationResult{Text: "data"})
	c.Get(ctx, "h1", "llama-70b") // hit
	c.Get(ctx, "h2", "llama-70b") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Put(ctx, "h1", "llama-70b", models.GenerationResult{Text: "data"})
	_ = c.Put(ctx, "h2", "llama-70b", models.GenerationResult{Text: "data"})

	if err := c.Clear(ctx, true); err != nil {
		t.Fatal(err)
	}
	stats, _ := c.Stats(ctx)
	if stats.Entries != 2 {
		t.Errorf("expired-only clear should keep fresh entries, got %d", stats.Entries)
	}

	if err := c.Clear(ctx, false); err != nil {
		t.Fatal(err)
	}
	stats, _ = c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
