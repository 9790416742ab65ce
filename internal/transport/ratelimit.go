package transport

import (
	"sync"
	"time"
)

type bucketState struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a per-peer token bucket: each peer may burst up to twice
// its per-second rate and refills continuously.
type RateLimiter struct {
	mu     sync.Mutex
	peers  map[string]*bucketState
	perSec float64
	burst  float64
	now    func() time.Time
}

// NewRateLimiter allows perSec requests per second to each peer.
func NewRateLimiter(perSec float64) *RateLimiter {
	return &RateLimiter{
		peers:  make(map[string]*bucketState),
		perSec: perSec,
		burst:  perSec * 2,
		now:    time.Now,
	}
}

// Allow spends one token of peer's bucket and reports whether one was left.
func (r *RateLimiter) Allow(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st, ok := r.peers[peer]
	if !ok {
		r.peers[peer] = &bucketState{tokens: r.burst - 1, lastCheck: now}
		return true
	}
	st.tokens = min(r.burst, st.tokens+now.Sub(st.lastCheck).Seconds()*r.perSec)
	st.lastCheck = now
	if st.tokens < 1 {
		return false
	}
	st.tokens--
	return true
}

// CleanupLoop forgets idle peers every interval until done is closed.
func (r *RateLimiter) CleanupLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanup(5 * time.Minute)
		case <-done:
			return
		}
	}
}

func (r *RateLimiter) cleanup(idle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-idle)
	for peer, st := range r.peers {
		if st.lastCheck.Before(cutoff) {
			delete(r.peers, peer)
		}
	}
}
