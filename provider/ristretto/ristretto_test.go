package ristretto

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSetIsVisibleImmediately(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "entry:a", []byte("payload"), 0, 0)
	if err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, hit, err := p.Get(ctx, "entry:a")
	if err != nil || !hit || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Get: hit=%v err=%v got=%q", hit, err, got)
	}

	if err := p.Del(ctx, "entry:a"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, hit, _ := p.Get(ctx, "entry:a"); hit {
		t.Fatalf("expected miss after Del")
	}
}

func TestTTLExpires(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if _, err := p.Set(ctx, "k", []byte("v"), 1, 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, hit, _ := p.Get(ctx, "k"); hit {
		t.Fatalf("expected expiry")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for zero config")
	}
}
