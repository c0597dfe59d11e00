package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the number of IPs tracked to prevent unbounded memory.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FailureLimiter throttles repeated failed authentication attempts per
// client IP. Each IP gets a token bucket refilled at the configured
// per-minute rate; a background goroutine evicts IPs not seen for a while.
type FailureLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewFailureLimiter creates a per-IP failure limiter with the given max
// attempts per minute. Pass 0 to use DefaultMaxAttemptsPerMinute.
func NewFailureLimiter(ctx context.Context, maxPerMinute int) *FailureLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	fl := &FailureLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go fl.cleanup(ctx)
	return fl
}

// Allow reports whether the given IP is allowed to make another auth attempt.
// IPs with no recorded failures are always allowed.
func (fl *FailureLimiter) Allow(ip string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	e, ok := fl.entries[ip]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RecordFailureAndAllow records a failed attempt for ip and reports whether
// the attempt is still within the configured rate limit.
func (fl *FailureLimiter) RecordFailureAndAllow(ip string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	e := fl.entry(ip, time.Now())
	return e.limiter.Allow()
}

// Stop cancels the background cleanup goroutine.
func (fl *FailureLimiter) Stop() {
	fl.cancel()
}

func (fl *FailureLimiter) entry(ip string, now time.Time) *ipEntry {
	e, ok := fl.entries[ip]
	if !ok {
		if len(fl.entries) >= fl.maxTrackedIPs {
			fl.evictOldest()
		}
		e = &ipEntry{
			limiter:  rate.NewLimiter(rate.Limit(float64(fl.maxPerMinute)/60.0), fl.maxPerMinute),
			lastSeen: now,
		}
		fl.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

func (fl *FailureLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fl.removeStale()
		}
	}
}

func (fl *FailureLimiter) removeStale() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	now := time.Now()
	for ip, e := range fl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(fl.entries, ip)
		}
	}
}

// evictOldest removes the least recently seen entry; caller holds fl.mu.
func (fl *FailureLimiter) evictOldest() {
	var oldestIP string
	var oldestTime time.Time
	first := true
	for ip, e := range fl.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = e.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(fl.entries, oldestIP)
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
