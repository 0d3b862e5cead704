package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Expected message %d within burst to be allowed", i)
		}
	}
	if l.Allow() {
		t.Error("Expected message beyond burst to be rejected")
	}
}

func TestKeyedLimitersAreIndependent(t *testing.T) {
	kl := NewKeyedLimiters(1, 1)
	defer kl.Stop()

	if !kl.Allow("10.0.0.1") {
		t.Fatal("First request from a key should be allowed")
	}
	if kl.Allow("10.0.0.1") {
		t.Error("Second immediate request from the same key should be rejected")
	}
	if !kl.Allow("10.0.0.2") {
		t.Error("Other keys should have their own bucket")
	}
	if kl.get("10.0.0.1") != kl.get("10.0.0.1") {
		t.Error("get should return the same limiter for a key")
	}
	if kl.size() != 2 {
		t.Errorf("Expected 2 tracked keys, got %d", kl.size())
	}
}

func TestKeyedLimitersEvictIdle(t *testing.T) {
	kl := NewKeyedLimiters(1, 1)
	defer kl.Stop()

	kl.get("stale")
	kl.evictIdle(time.Now().Add(time.Hour))

	if kl.size() != 0 {
		t.Errorf("Expected idle limiter to be evicted, got %d", kl.size())
	}

	kl.Stop()
	kl.Stop()
}
