package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codefionn/stenobridge/internal/logger"
)

// FailureLimiter tracks failed authentication attempts per origin. Each
// origin gets a token bucket: failures consume tokens, and once the bucket is
// empty new handshake attempts from that origin are refused until tokens
// refill.
type FailureLimiter struct {
	origins map[string]*origin
	mu      sync.Mutex

	burst  int
	refill rate.Limit

	stop     chan struct{}
	stopOnce sync.Once
}

// origin tracks the failure budget and last activity for one client origin.
type origin struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFailureLimiter creates a limiter allowing burst failures per origin,
// refilling one attempt every refillInterval. A background sweep drops
// origins that have been quiet for an hour.
func NewFailureLimiter(burst int, refillInterval time.Duration) *FailureLimiter {
	if burst < 1 {
		burst = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Minute
	}
	fl := &FailureLimiter{
		origins: make(map[string]*origin),
		burst:   burst,
		refill:  rate.Every(refillInterval),
		stop:    make(chan struct{}),
	}
	go fl.sweep()
	return fl
}

// Allowed reports whether the origin still has failure budget left. Origins
// with an empty bucket are refused before any challenge is issued.
func (fl *FailureLimiter) Allowed(name string) bool {
	o := fl.getOrigin(name)
	return o.limiter.Tokens() >= 1
}

// RecordFailure consumes one token from the origin's failure budget.
func (fl *FailureLimiter) RecordFailure(name string) {
	o := fl.getOrigin(name)
	o.limiter.Allow()
	if o.limiter.Tokens() < 1 {
		logger.Warn("Origin %s exhausted its authentication failure budget", name)
	}
}

// Stop ends the background sweep.
func (fl *FailureLimiter) Stop() {
	fl.stopOnce.Do(func() {
		close(fl.stop)
	})
}

// getOrigin returns the tracked origin, creating it on first sight.
func (fl *FailureLimiter) getOrigin(name string) *origin {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	o, exists := fl.origins[name]
	if !exists {
		o = &origin{
			limiter:  rate.NewLimiter(fl.refill, fl.burst),
			lastSeen: time.Now(),
		}
		fl.origins[name] = o
		return o
	}
	o.lastSeen = time.Now()
	return o
}

// sweep removes stale origin entries to prevent unbounded growth.
func (fl *FailureLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-fl.stop:
			return
		case <-ticker.C:
			fl.mu.Lock()
			for name, o := range fl.origins {
				if time.Since(o.lastSeen) > time.Hour {
					delete(fl.origins, name)
				}
			}
			fl.mu.Unlock()
		}
	}
}
