package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthRateLimiter(t *testing.T) {
	l := newAuthRateLimiter()
	assert.True(t, l.allow("10.0.0.1:5000"))

	for i := 0; i < authRateMaxFails-1; i++ {
		l.recordFailure("10.0.0.1:5000")
	}
	assert.True(t, l.allow("10.0.0.1:6000"), "one attempt left")

	l.recordFailure("10.0.0.1:7000")
	assert.False(t, l.allow("10.0.0.1:5000"), "ports share the host budget")
	assert.True(t, l.allow("10.0.0.2:5000"))
}

func TestAuthRateLimiterWithoutPort(t *testing.T) {
	l := newAuthRateLimiter()
	for i := 0; i < authRateMaxFails; i++ {
		l.recordFailure("10.0.0.1")
	}
	assert.False(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1:80"))
}

func TestAuthRateLimiterWindowExpires(t *testing.T) {
	now := time.Now()
	l := newAuthRateLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < authRateMaxFails; i++ {
		l.recordFailure("10.0.0.1:1")
	}
	assert.False(t, l.allow("10.0.0.1:1"))

	now = now.Add(authRateWindow + time.Second)
	assert.True(t, l.allow("10.0.0.1:1"))
	assert.Empty(t, l.failures)
}

func TestAuthRateLimiterSweep(t *testing.T) {
	now := time.Now()
	l := newAuthRateLimiter()
	l.now = func() time.Time { return now }

	l.recordFailure("10.0.0.1:1")
	now = now.Add(authRateWindow / 2)
	l.recordFailure("10.0.0.2:1")
	now = now.Add(authRateWindow/2 + time.Second)

	l.sweep()
	assert.NotContains(t, l.failures, "10.0.0.1")
	assert.Contains(t, l.failures, "10.0.0.2")
}

func TestAuthRateLimiterEvictsOldestHost(t *testing.T) {
	now := time.Now()
	l := newAuthRateLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < authRateMaxHosts; i++ {
		l.recordFailure(fmt.Sprintf("host-%d", i))
		now = now.Add(time.Millisecond)
	}
	l.recordFailure("newcomer")

	assert.Len(t, l.failures, authRateMaxHosts)
	assert.NotContains(t, l.failures, "host-0")
	assert.Contains(t, l.failures, "newcomer")
}

func TestAuthRateLimiterRunStopsOnCancel(t *testing.T) {
	l := newAuthRateLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
