// Package otk issues single-use one-time keys for the second
// authentication factor.
//
// Each device holds at most one live key. A key is consumed by the first
// validation attempt against it, whether or not that attempt succeeds, and
// expires after a TTL if never presented.
package otk

import (
	"context"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/internal/expiry"
	"github.com/jmcleod/devicegate/internal/util"
)

// Defaults for NewManager.
const (
	DefaultTTL    = 2 * time.Minute
	DefaultDigits = 8

	secretSize = 20
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type token struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

// Manager issues and validates one-time keys.
type Manager struct {
	mu      sync.Mutex
	tokens  map[string]*token
	counter uint64
	queue   *expiry.Queue

	ttl    time.Duration
	digits otp.Digits
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long an unused key stays valid.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithDigits sets the key length: 6 or 8 digits.
func WithDigits(n int) Option {
	return func(m *Manager) {
		if n == 6 || n == 8 {
			m.digits = otp.Digits(n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager. Call Run to evict expired keys in the
// background; validation checks expiry on its own regardless.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tokens: make(map[string]*token),
		ttl:    DefaultTTL,
		digits: otp.Digits(DefaultDigits),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "otk"))
	m.queue = expiry.New(m.evict, expiry.WithClock(m.now))
	return m
}

// TTL returns the configured key lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Generate issues a new key for deviceID, invalidating any earlier one.
func (m *Manager) Generate(deviceID string) (string, error) {
	secret, err := util.RandomBytes(secretSize)
	if err != nil {
		return "", fmt.Errorf("generating otk secret: %w", err)
	}

	m.mu.Lock()
	m.counter++
	counter := m.counter
	m.mu.Unlock()

	code, err := hotp.GenerateCodeCustom(secretEncoding.EncodeToString(secret), counter, hotp.ValidateOpts{
		Digits:    m.digits,
		Algorithm: otp.AlgorithmSHA256,
	})
	util.Wipe(secret)
	if err != nil {
		return "", fmt.Errorf("deriving otk: %w", err)
	}

	now := m.now()
	tok := &token{value: code, issuedAt: now, expiresAt: now.Add(m.ttl)}

	m.mu.Lock()
	_, replaced := m.tokens[deviceID]
	m.tokens[deviceID] = tok
	m.mu.Unlock()
	m.queue.Schedule(deviceID, tok.expiresAt)

	m.logger.Debug("otk issued",
		zap.String("device_id", deviceID),
		zap.Bool("replaced", replaced),
		zap.Time("expires_at", tok.expiresAt))
	return code, nil
}

// Validate consumes the live key for deviceID and reports whether value
// matched it. Any attempt consumes the key.
func (m *Manager) Validate(deviceID, value string) bool {
	now := m.now()

	m.mu.Lock()
	tok, ok := m.tokens[deviceID]
	if ok {
		delete(m.tokens, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.queue.Cancel(deviceID)

	if !now.Before(tok.expiresAt) {
		m.logger.Debug("otk expired", zap.String("device_id", deviceID))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tok.value), []byte(value)) == 1
}

// Pending reports whether deviceID holds an unexpired key.
func (m *Manager) Pending(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[deviceID]
	return ok && m.now().Before(tok.expiresAt)
}

// Len returns the number of keys held, including any expired ones not yet
// evicted.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Run evicts expired keys until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.queue.Run(ctx)
}

// Sweep evicts every key expired at the current time.
func (m *Manager) Sweep() int {
	return m.queue.Expire(m.now())
}

func (m *Manager) evict(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[deviceID]
	// A key re-issued after the queue popped this deadline must survive.
	if ok && !m.now().Before(tok.expiresAt) {
		delete(m.tokens, deviceID)
		m.logger.Debug("otk evicted", zap.String("device_id", deviceID))
	}
}
