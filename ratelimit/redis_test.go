package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	store, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	ctx := context.Background()

	total, ttl, first, err := store.Incr(ctx, "rl:1.2.3.4", 1, time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if total != 1 || !first {
		t.Fatalf("total = %d first = %v", total, first)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	total, _, first, err = store.Incr(ctx, "rl:1.2.3.4", 2, time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if total != 3 || first {
		t.Fatalf("total = %d first = %v", total, first)
	}

	if err := store.Reset(ctx, "rl:1.2.3.4"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	total, _, first, _ = store.Incr(ctx, "rl:1.2.3.4", 1, time.Minute)
	if total != 1 || !first {
		t.Fatalf("after reset: total = %d first = %v", total, first)
	}

	// window expiry recreates the bucket
	mr.FastForward(2 * time.Minute)
	total, _, _, _ = store.Incr(ctx, "rl:1.2.3.4", 1, time.Minute)
	if total != 1 {
		t.Fatalf("after expiry: total = %d", total)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	store, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	lim, err := New(Options{Name: "shared", Duration: time.Minute, Points: 2, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	r := newReq("1.2.3.4")

	for i := 0; i < 2; i++ {
		d, err := lim.Consume(ctx, r, nil)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if d.Exceeded {
			t.Fatalf("unexpected exceeded at %d", i)
		}
	}
	d, err := lim.Consume(ctx, r, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !d.Exceeded {
		t.Fatalf("expected exceeded")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
	}{
		{"localhost:6379", 1, "", 0},
		{"redis://:pass@localhost:6379/1", 1, "", 1},
		{"redis://host1:6379,host2:6379/0", 2, "", 0},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
