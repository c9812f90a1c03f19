package cache

import (
	"context"
	"testing"
	"time"

	"github.com/eugenenazirov/dashconf/internal/config"
)

func TestSimpleStoresAndExpires(t *testing.T) {
	c := NewSimple(config.CacheConfig{Type: config.CacheTypeSimple, Timeout: time.Hour, KeyPrefix: "p_"})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("expected hit, got value=%q ok=%v err=%v", value, ok, err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestSimpleRefreshOnRetrieval(t *testing.T) {
	c := NewSimple(config.CacheConfig{Type: config.CacheTypeSimple, Timeout: 300 * time.Millisecond, RefreshOnRetrieval: true})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatalf("expected retrieval to have extended the expiry")
	}
}

func TestSimpleReturnsCopies(t *testing.T) {
	c := NewSimple(config.CacheConfig{Type: config.CacheTypeSimple})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	src := []byte("abc")
	_ = c.Set(ctx, "k", src, 0)
	src[0] = 'x'

	got, _, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("expected stored copy, got %q", got)
	}

	_ = c.Delete(ctx, "k")
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after delete")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestNullNeverStores(t *testing.T) {
	var c Cache = Null{}
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected null cache to miss")
	}
}
