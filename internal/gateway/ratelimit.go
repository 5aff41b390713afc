package gateway

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxHosts = 10000
)

// authRateLimiter counts failed handshakes per remote host inside a sliding
// window. The host map is capped; the stalest host is evicted first.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

// allow reports whether remoteAddr may attempt another handshake.
func (l *authRateLimiter) allow(remoteAddr string) bool {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(host, l.now().Add(-authRateWindow))
	return len(recent) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.failures[host]; !ok && len(l.failures) >= authRateMaxHosts {
		l.evictOldestLocked()
	}
	l.failures[host] = append(l.failures[host], l.now())
}

// sweep drops every entry outside the window.
func (l *authRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-authRateWindow)
	for host := range l.failures {
		l.pruneLocked(host, cutoff)
	}
}

// run sweeps periodically until ctx is done.
func (l *authRateLimiter) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *authRateLimiter) pruneLocked(host string, cutoff time.Time) []time.Time {
	times := l.failures[host]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, host)
		return nil
	}
	l.failures[host] = kept
	return kept
}

func (l *authRateLimiter) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for host, times := range l.failures {
		if len(times) == 0 {
			continue
		}
		if oldest == "" || times[0].Before(oldestAt) {
			oldest, oldestAt = host, times[0]
		}
	}
	if oldest != "" {
		delete(l.failures, oldest)
	}
}
