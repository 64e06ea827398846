package server

import (
	"testing"
	"time"
)

func TestClientRateLimiterEnforcesBurstPerClient(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newClientRateLimiter(1, 2, func() time.Time { return now })

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatalf("burst requests must be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("third immediate request must be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("other clients keep their own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("bucket must refill over time")
	}
}

func TestClientRateLimiterSweepsIdleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newClientRateLimiter(5, 5, func() time.Time { return now })

	limiter.Allow("idle")
	now = now.Add(2 * time.Hour)
	limiter.Allow("active")

	if limiter.size() != 1 {
		t.Fatalf("expected idle client to be swept, have %d entries", limiter.size())
	}
}
