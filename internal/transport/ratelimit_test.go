package transport

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perSec float64) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(perSec)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterBurst(t *testing.T) {
	rl, _ := newTestLimiter(5)
	for i := 0; i < 10; i++ {
		if !rl.Allow("peer-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("peer-a") {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(100)
	for i := 0; i < 200; i++ {
		rl.Allow("peer-a")
	}
	if rl.Allow("peer-a") {
		t.Fatal("expected exhausted")
	}
	clock.advance(50 * time.Millisecond)
	if !rl.Allow("peer-a") {
		t.Fatal("expected allowed after refill")
	}
}

func TestRateLimiterPeersAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(5)
	for i := 0; i < 10; i++ {
		rl.Allow("peer-a")
	}
	if rl.Allow("peer-a") {
		t.Fatal("peer-a should be exhausted")
	}
	if !rl.Allow("peer-b") {
		t.Fatal("peer-b should be allowed")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter(5)
	rl.Allow("peer-a")
	clock.advance(10 * time.Minute)
	rl.Allow("peer-b")

	rl.cleanup(5 * time.Minute)

	rl.mu.Lock()
	_, hasA := rl.peers["peer-a"]
	_, hasB := rl.peers["peer-b"]
	rl.mu.Unlock()
	if hasA {
		t.Error("expected idle peer-a to be forgotten")
	}
	if !hasB {
		t.Error("expected recent peer-b to be kept")
	}
}
