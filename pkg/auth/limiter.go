package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds request rates per tenant.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the whole number of seconds until one token refills.
func (p Policy) RetryAfter() int {
	secs := int(1 / p.perSecond())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

const limiterIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps one token bucket per key in process. Buckets idle
// for longer than ten minutes are dropped.
type MemoryLimiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	clock     func() time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if now.Sub(s.lastSweep) > time.Minute {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, cost), nil
}

