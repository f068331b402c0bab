// Package ratelimit implements the per-source-IP token bucket named in
// spec §9's Open Question, resolved there in favor of per-source-IP
// enforcement applied uniformly to both protocols.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per source IP, created lazily on first
// use and evicted after a period of inactivity so long-running daemons
// don't accumulate one bucket per ephemeral client forever.
type Limiter struct {
	mu      sync.Mutex
	buckets map[netip.Addr]*entry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New builds a Limiter from configured requests-per-minute and burst. A
// requestsPerMinute of 0 disables limiting entirely (Allow always true).
func New(requestsPerMinute, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[netip.Addr]*entry),
		rps:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		stop:    make(chan struct{}),
	}
	if requestsPerMinute > 0 {
		go l.evictLoop()
	}
	return l
}

// Allow reports whether a new connection/request from addr may proceed
// right now, consuming one token if so.
func (l *Limiter) Allow(addr netip.Addr) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	e, ok := l.buckets[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[addr] = e
	}
	e.lastUsed = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := time.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, e := range l.buckets {
		if e.lastUsed.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
}

// Close stops the eviction goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
