package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/devicegate/audit"
)

// lockoutKey scopes failure tracking to one device as seen from one client
// address. Failures submitted from other addresses cannot lock the device
// out of its own handshake.
func lockoutKey(r *http.Request, deviceID string) string {
	return deviceID + "|" + clientIP(r)
}

// clientIP returns the address of the direct peer. Proxy headers are not
// consulted.
func clientIP(r *http.Request) string {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// failureLimiter tracks failed factor checks per lockout key and enforces
// exponential backoff once a device reaches maxFailures.
type failureLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptRecord
	maxFailures int
	now         func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	defaultMaxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newFailureLimiter(maxFailures int, now func() time.Time) *failureLimiter {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	if now == nil {
		now = time.Now
	}
	return &failureLimiter{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: maxFailures,
		now:         now,
	}
}

// check reports whether the device is locked out and for how long.
func (rl *failureLimiter) check(deviceID string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[deviceID]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, deviceID)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies
// baseLockout * 2^(failures - maxFailures), capped at maxLockout.
func (rl *failureLimiter) recordFailure(deviceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[deviceID]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[deviceID] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		shift := rec.failures - rl.maxFailures
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess clears the device's failures.
func (rl *failureLimiter) recordSuccess(deviceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, deviceID)
}

// sweep removes expired records.
func (rl *failureLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
		}
	}
}

func (rl *failureLimiter) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

// Throttle applies the global token bucket to the wrapped handler.
func (a *API) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			a.audit.log(r, audit.EventRateLimited, "", "", "global request rate exceeded")
			writeRateLimited(w, delay, "too many requests; try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
