package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/storage/memory"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*failureLimiter, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newFailureLimiter(defaultMaxFailures, clock.now), clock
}

func TestFailureLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < defaultMaxFailures-1; i++ {
		rl.recordFailure("dev1")
		blocked, _ := rl.check("dev1")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestFailureLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("dev1")
	}

	blocked, retryAfter := rl.check("dev1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	clock.advance(baseLockout)
	blocked, _ = rl.check("dev1")
	assert.False(t, blocked, "lockout ends at lockedUntil")
}

func TestFailureLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("dev1")
	}
	_, first := rl.check("dev1")

	rl.recordFailure("dev1")
	_, second := rl.check("dev1")
	assert.Equal(t, 2*first, second)
}

func TestFailureLimiter_MaxLockoutCap(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < defaultMaxFailures+20; i++ {
		rl.recordFailure("dev1")
	}
	_, retryAfter := rl.check("dev1")
	assert.Equal(t, maxLockout, retryAfter)
}

func TestFailureLimiter_SuccessResetsAndIsolates(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("dev1")
	}
	blocked, _ := rl.check("dev2")
	assert.False(t, blocked, "lockout of one device must not affect another")

	rl.recordSuccess("dev1")
	blocked, _ = rl.check("dev1")
	assert.False(t, blocked)
}

func TestFailureLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("old")
	clock.advance(attemptExpiry / 2)
	rl.recordFailure("recent")
	clock.advance(attemptExpiry/2 + time.Second)

	rl.sweep()
	assert.Equal(t, 1, rl.len())
	rl.mu.Lock()
	_, exists := rl.attempts["recent"]
	rl.mu.Unlock()
	assert.True(t, exists)
}

func TestThrottle(t *testing.T) {
	a := &API{
		limiter: rate.NewLimiter(rate.Every(time.Hour), 2),
		audit:   newAuditLogger(zap.NewNop(), audit.NewTrail(memory.NewRepository()), nil, nil),
	}
	h := a.Throttle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/initiate", nil))
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(10*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"[::ffff:192.0.2.1]:80", "192.0.2.1"},
		{"[fe80::1%eth0]:80", "fe80::1%eth0"},
		{"not-an-addr", "not-an-addr"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestLockoutKeyIgnoresSourcePort(t *testing.T) {
	a := httptest.NewRequest(http.MethodPost, "/", nil)
	a.RemoteAddr = "192.0.2.1:1000"
	b := httptest.NewRequest(http.MethodPost, "/", nil)
	b.RemoteAddr = "192.0.2.1:2000"
	c := httptest.NewRequest(http.MethodPost, "/", nil)
	c.RemoteAddr = "192.0.2.2:1000"

	assert.Equal(t, lockoutKey(a, "dev1"), lockoutKey(b, "dev1"))
	assert.NotEqual(t, lockoutKey(a, "dev1"), lockoutKey(c, "dev1"))
	assert.NotEqual(t, lockoutKey(a, "dev1"), lockoutKey(a, "dev2"))
}
