// Package mfa runs the two-factor device handshake.
//
// A session starts in the initiated state, moves to credentials-ok once the
// device's secret validates against the credential store, and becomes
// authenticated when the one-time key issued for it validates. Failed
// validations leave the session unchanged. Unfinished sessions are evicted
// after the handshake timeout; completing the handshake replaces that
// deadline with the longer authenticated lifetime.
//
// The one-time key is returned to the caller of ValidateCredentials. A
// deployment that needs a real second factor must deliver it out of band.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/credential"
	"github.com/jmcleod/devicegate/heartbeat"
	"github.com/jmcleod/devicegate/internal/expiry"
	"github.com/jmcleod/devicegate/internal/util"
	"github.com/jmcleod/devicegate/internal/uuid"
)

// Defaults for NewManager.
const (
	DefaultTimeout  = 5 * time.Minute
	DefaultLifetime = 30 * time.Minute

	// SessionKeySize is the number of random bytes in a session key. Keys are
	// handed out hex encoded.
	SessionKeySize = 32
)

var (
	// ErrInvalidSession is returned for unknown and expired sessions alike.
	ErrInvalidSession = errors.New("invalid or expired session")
	// ErrFactorOrderViolation is returned when the one-time key is submitted
	// before the credentials have been accepted.
	ErrFactorOrderViolation = errors.New("first authentication factor not completed")
	// ErrInvalidCredential is returned when the secret does not validate.
	ErrInvalidCredential = errors.New("invalid credentials")
	// ErrInvalidOneTimeKey is returned when the one-time key does not validate.
	ErrInvalidOneTimeKey = errors.New("invalid one-time key")
	// ErrSessionComplete is returned when a factor is submitted to a session
	// that is already authenticated.
	ErrSessionComplete = errors.New("session already authenticated")
)

// CredentialValidator checks the first factor.
type CredentialValidator interface {
	Validate(deviceID, secret string) bool
}

// KeyIssuer issues and checks the second factor.
type KeyIssuer interface {
	Generate(deviceID string) (string, error)
	Validate(deviceID, value string) bool
}

// HeartbeatRecorder receives the initial heartbeat of a newly authenticated
// device.
type HeartbeatRecorder interface {
	RecordHeartbeat(deviceID, status string, seq *uint64) heartbeat.Result
}

// ExpiryHook is called after a session has been evicted.
type ExpiryHook func(Session)

// Manager owns all authentication sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	queue    *expiry.Queue

	creds      CredentialValidator
	otks       KeyIssuer
	heartbeats HeartbeatRecorder

	timeout  time.Duration
	lifetime time.Duration
	now      func() time.Time
	logger   *zap.Logger
	onExpire []ExpiryHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets how long an unfinished handshake may take.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLifetime sets how long an authenticated session stays valid.
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
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

// WithExpiryHook registers a callback for evicted sessions.
func WithExpiryHook(h ExpiryHook) Option {
	return func(m *Manager) {
		m.onExpire = append(m.onExpire, h)
	}
}

// NewManager creates a Manager. heartbeats may be nil.
func NewManager(creds CredentialValidator, otks KeyIssuer, heartbeats HeartbeatRecorder, opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*Session),
		creds:      creds,
		otks:       otks,
		heartbeats: heartbeats,
		timeout:    DefaultTimeout,
		lifetime:   DefaultLifetime,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "mfa"))
	m.queue = expiry.New(m.evict, expiry.WithClock(m.now))
	return m
}

// Timeout returns the handshake timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Lifetime returns the authenticated session lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Initiate starts a handshake for deviceID and returns the new session ID.
// The device need not be registered; an unregistered device simply fails
// the credential check.
func (m *Manager) Initiate(deviceID string) (string, error) {
	if err := credential.ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	now := m.now()
	s := &Session{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.queue.Schedule(s.ID, s.ExpiresAt)

	m.logger.Info("authentication initiated",
		zap.String("device_id", deviceID),
		zap.String("session_id", s.ID))
	return s.ID, nil
}

// ValidateCredentials checks the first factor. On success it returns a
// one-time key for the second factor.
func (m *Manager) ValidateCredentials(sessionID, secret string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	if s.Authenticated {
		return "", ErrSessionComplete
	}
	if !m.creds.Validate(s.DeviceID, secret) {
		m.logger.Warn("credential validation failed",
			zap.String("device_id", s.DeviceID),
			zap.String("session_id", sessionID))
		return "", ErrInvalidCredential
	}

	key, err := m.otks.Generate(s.DeviceID)
	if err != nil {
		return "", fmt.Errorf("issuing one-time key: %w", err)
	}
	s.CredentialsPassed = true
	m.logger.Info("credentials accepted",
		zap.String("device_id", s.DeviceID),
		zap.String("session_id", sessionID))
	return key, nil
}

// ValidateOTK checks the second factor. On success the session becomes
// authenticated and a fresh random session key is returned.
func (m *Manager) ValidateOTK(sessionID, value string) (Grant, error) {
	m.mu.Lock()
	s, err := m.lookup(sessionID)
	if err != nil {
		m.mu.Unlock()
		return Grant{}, err
	}
	if s.Authenticated {
		m.mu.Unlock()
		return Grant{}, ErrSessionComplete
	}
	if !s.CredentialsPassed {
		m.mu.Unlock()
		m.logger.Warn("one-time key submitted before credentials",
			zap.String("device_id", s.DeviceID),
			zap.String("session_id", sessionID))
		return Grant{}, ErrFactorOrderViolation
	}
	if !m.otks.Validate(s.DeviceID, value) {
		m.mu.Unlock()
		m.logger.Warn("one-time key validation failed",
			zap.String("device_id", s.DeviceID),
			zap.String("session_id", sessionID))
		return Grant{}, ErrInvalidOneTimeKey
	}

	key, err := util.RandomHex(SessionKeySize)
	if err != nil {
		m.mu.Unlock()
		return Grant{}, fmt.Errorf("generating session key: %w", err)
	}
	now := m.now()
	s.OTKPassed = true
	s.Authenticated = true
	s.AuthenticatedAt = now
	s.ExpiresAt = now.Add(m.lifetime)
	grant := Grant{SessionID: s.ID, DeviceID: s.DeviceID, SessionKey: key, ExpiresAt: s.ExpiresAt}
	m.mu.Unlock()

	m.queue.Schedule(sessionID, grant.ExpiresAt)
	if m.heartbeats != nil {
		m.heartbeats.RecordHeartbeat(grant.DeviceID, string(heartbeat.StatusOnline), nil)
	}
	m.logger.Info("device authenticated",
		zap.String("device_id", grant.DeviceID),
		zap.String("session_id", sessionID),
		zap.Time("expires_at", grant.ExpiresAt))
	return grant, nil
}

// IsAuthenticated reports whether sessionID is live and authenticated.
func (m *Manager) IsAuthenticated(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	return err == nil && s.Authenticated
}

// DeviceID returns the device that owns a live session.
func (m *Manager) DeviceID(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return "", false
	}
	return s.DeviceID, true
}

// Session returns a snapshot of a live session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of sessions held, including expired sessions not
// yet evicted.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run evicts expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.queue.Run(ctx)
}

// Sweep evicts every session expired at the current time.
func (m *Manager) Sweep() int {
	return m.queue.Expire(m.now())
}

// lookup returns a live session. A session past its deadline is reported
// exactly like one that never existed, even before the queue evicts it.
// Callers hold m.mu.
func (m *Manager) lookup(sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return nil, ErrInvalidSession
	}
	return s, nil
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || m.now().Before(s.ExpiresAt) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	snap := *s
	m.mu.Unlock()

	m.logger.Debug("session evicted",
		zap.String("session_id", sessionID),
		zap.String("device_id", snap.DeviceID),
		zap.Bool("authenticated", snap.Authenticated))
	for _, h := range m.onExpire {
		h(snap)
	}
}
