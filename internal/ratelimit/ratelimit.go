package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit interface {
	Allow(addr string) bool
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter keeps one token bucket per client address. Buckets idle
// for longer than idleTTL are swept on the next call after sweepEvery.
type TokenBucketLimiter struct {
	rps        rate.Limit
	burst      int
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	clients    map[string]*client
	mutex      sync.Mutex
	now        func() time.Time
}

const defaultIdleTTL = 10 * time.Minute

func New(rps float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		idleTTL:    defaultIdleTTL,
		sweepEvery: time.Minute,
		clients:    make(map[string]*client),
		now:        time.Now,
	}
}

func (rl *TokenBucketLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.sweep(now)

	c := rl.clients[addr]
	if c == nil {
		if rl.burst == 0 {
			return false
		}
		c = &client{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[addr] = c
	}
	c.lastSeen = now

	return c.limiter.AllowN(now, 1)
}

func (rl *TokenBucketLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.sweepEvery {
		return
	}
	rl.lastSweep = now
	for addr, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, addr)
		}
	}
}
