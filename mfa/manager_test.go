package mfa

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/devicegate/credential"
	"github.com/jmcleod/devicegate/heartbeat"
	"github.com/jmcleod/devicegate/otk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *fakeClock
	store    *credential.Store
	otks     *otk.Manager
	monitor  *heartbeat.Monitor
	sessions *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		clock:   clock,
		store:   credential.NewStore(credential.WithClock(clock.Now)),
		otks:    otk.NewManager(otk.WithClock(clock.Now)),
		monitor: heartbeat.NewMonitor(heartbeat.WithClock(clock.Now)),
	}
	f.sessions = NewManager(f.store, f.otks, f.monitor, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, f.store.Register("dev1", "s1", nil))
	return f
}

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestManager_EndToEnd(t *testing.T) {
	f := newFixture(t)

	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	assert.False(t, f.sessions.IsAuthenticated(sid))
	parsed, err := uuid.Parse(sid)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	key, err := f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	sess, ok := f.sessions.Session(sid)
	require.True(t, ok)
	assert.Equal(t, StateCredentialsOK, sess.State())

	grant, err := f.sessions.ValidateOTK(sid, key)
	require.NoError(t, err)
	assert.Regexp(t, hexKey, grant.SessionKey)
	assert.Equal(t, "dev1", grant.DeviceID)
	assert.Equal(t, sid, grant.SessionID)

	assert.True(t, f.sessions.IsAuthenticated(sid))
	id, ok := f.sessions.DeviceID(sid)
	require.True(t, ok)
	assert.Equal(t, "dev1", id)
	assert.Equal(t, heartbeat.StatusOnline, f.monitor.Status("dev1").Status)

	sess, _ = f.sessions.Session(sid)
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.True(t, sess.CredentialsPassed)
	assert.True(t, sess.OTKPassed)
}

func TestManager_SessionKeysAreFresh(t *testing.T) {
	f := newFixture(t)
	keys := map[string]bool{}
	for i := 0; i < 5; i++ {
		sid, err := f.sessions.Initiate("dev1")
		require.NoError(t, err)
		code, err := f.sessions.ValidateCredentials(sid, "s1")
		require.NoError(t, err)
		grant, err := f.sessions.ValidateOTK(sid, code)
		require.NoError(t, err)
		assert.False(t, keys[grant.SessionKey], "session key reused")
		keys[grant.SessionKey] = true
	}
}

func TestManager_FactorOrderViolation(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)

	_, err = f.sessions.ValidateOTK(sid, "12345678")
	assert.ErrorIs(t, err, ErrFactorOrderViolation)

	sess, _ := f.sessions.Session(sid)
	assert.Equal(t, StateInitiated, sess.State())
}

func TestManager_WrongSecretLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)

	_, err = f.sessions.ValidateCredentials(sid, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	sess, _ := f.sessions.Session(sid)
	assert.Equal(t, StateInitiated, sess.State())

	// Failure is not terminal.
	_, err = f.sessions.ValidateCredentials(sid, "s1")
	assert.NoError(t, err)
}

func TestManager_WrongOTKThenRetry(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	code, err := f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)

	_, err = f.sessions.ValidateOTK(sid, "not-the-key")
	assert.ErrorIs(t, err, ErrInvalidOneTimeKey)
	assert.False(t, f.sessions.IsAuthenticated(sid))

	// The failed attempt consumed the key; the original code is dead.
	_, err = f.sessions.ValidateOTK(sid, code)
	assert.ErrorIs(t, err, ErrInvalidOneTimeKey)

	code, err = f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)
	_, err = f.sessions.ValidateOTK(sid, code)
	assert.NoError(t, err)
}

func TestManager_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.ValidateCredentials("nope", "s1")
	assert.ErrorIs(t, err, ErrInvalidSession)
	_, err = f.sessions.ValidateOTK("nope", "1")
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.False(t, f.sessions.IsAuthenticated("nope"))
	_, ok := f.sessions.DeviceID("nope")
	assert.False(t, ok)
}

func TestManager_ExpiredSessionLooksUnknown(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)

	f.clock.Advance(DefaultTimeout + time.Millisecond)

	_, errExpired := f.sessions.ValidateCredentials(sid, "s1")
	_, errUnknown := f.sessions.ValidateCredentials("never-existed", "s1")
	assert.ErrorIs(t, errExpired, ErrInvalidSession)
	assert.Equal(t, errUnknown, errExpired)

	_, err = f.sessions.ValidateOTK(sid, "12345678")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestManager_ExpiryMidHandshake(t *testing.T) {
	f := newFixture(t, WithTimeout(time.Minute))
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	code, err := f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.sessions.ValidateOTK(sid, code)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestManager_AuthenticatedSessionGetsLifetime(t *testing.T) {
	f := newFixture(t, WithTimeout(time.Minute), WithLifetime(time.Hour))
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	code, err := f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)
	grant, err := f.sessions.ValidateOTK(sid, code)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), grant.ExpiresAt)

	// Past the handshake timeout the completed session survives.
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, f.sessions.Sweep())
	assert.True(t, f.sessions.IsAuthenticated(sid))

	f.clock.Advance(time.Hour)
	assert.False(t, f.sessions.IsAuthenticated(sid))
	assert.Equal(t, 1, f.sessions.Sweep())
	assert.Equal(t, 0, f.sessions.Len())
}

func TestManager_CompletedSessionRejectsFactors(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	code, err := f.sessions.ValidateCredentials(sid, "s1")
	require.NoError(t, err)
	_, err = f.sessions.ValidateOTK(sid, code)
	require.NoError(t, err)

	_, err = f.sessions.ValidateCredentials(sid, "s1")
	assert.ErrorIs(t, err, ErrSessionComplete)
	_, err = f.sessions.ValidateOTK(sid, code)
	assert.ErrorIs(t, err, ErrSessionComplete)
}

func TestManager_SweepEvictsUnfinished(t *testing.T) {
	var mu sync.Mutex
	var evicted []Session
	f := newFixture(t, WithExpiryHook(func(s Session) {
		mu.Lock()
		evicted = append(evicted, s)
		mu.Unlock()
	}))
	_, err := f.sessions.Initiate("dev1")
	require.NoError(t, err)
	_, err = f.sessions.Initiate("dev2")
	require.NoError(t, err)
	assert.Equal(t, 2, f.sessions.Len())

	f.clock.Advance(DefaultTimeout)
	assert.Equal(t, 2, f.sessions.Sweep())
	assert.Equal(t, 0, f.sessions.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, evicted, 2)
}

func TestManager_RunEvictsInBackground(t *testing.T) {
	store := credential.NewStore()
	m := NewManager(store, otk.NewManager(), nil, WithTimeout(20*time.Millisecond))
	_, err := m.Initiate("dev1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_InitiateRejectsBadDeviceID(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.Initiate("")
	assert.ErrorIs(t, err, credential.ErrInvalidDeviceID)
	_, err = f.sessions.Initiate("device/+")
	assert.ErrorIs(t, err, credential.ErrInvalidDeviceID)
}

func TestManager_InitiateUnregisteredDevice(t *testing.T) {
	f := newFixture(t)
	sid, err := f.sessions.Initiate("stranger")
	require.NoError(t, err)
	_, err = f.sessions.ValidateCredentials(sid, "s1")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

type failingIssuer struct{}

func (failingIssuer) Generate(string) (string, error) { return "", errors.New("entropy exhausted") }
func (failingIssuer) Validate(string, string) bool    { return false }

func TestManager_IssuerFailureDoesNotPassFactor(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Register("dev1", "s1", nil))
	m := NewManager(store, failingIssuer{}, nil)
	sid, err := m.Initiate("dev1")
	require.NoError(t, err)

	_, err = m.ValidateCredentials(sid, "s1")
	require.Error(t, err)
	sess, _ := m.Session(sid)
	assert.False(t, sess.CredentialsPassed)
}

func TestManager_ConcurrentHandshakes(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid, err := f.sessions.Initiate("dev1")
			if err != nil {
				errs <- err
				return
			}
			if _, err := f.sessions.ValidateCredentials(sid, "s1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
