// Package device implements the device side of devicegate: enrolment, the
// two-factor handshake, encrypted heartbeats and data on the bus, and
// subscriptions to other publishers.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/channel"
)

// Defaults for NewAgent.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReauthMargin      = 30 * time.Second
)

// ErrNotAuthenticated is returned by operations that need a session when the
// agent has none.
var ErrNotAuthenticated = errors.New("agent is not authenticated")

// Agent is one device. It authenticates against the server, then seals
// everything it publishes under its session key.
type Agent struct {
	deviceID string
	secret   string
	role     string
	api      *Client
	bus      bus.Bus
	interval time.Duration
	margin   time.Duration
	now      func() time.Time
	logger   *zap.Logger
	commands func(channel.Message)
	ringOpts []channel.KeyringOption

	// authMu serialises re-authentication between the heartbeat loop and
	// publishers.
	authMu sync.Mutex

	mu      sync.Mutex
	grant   Grant
	keyring *channel.Keyring
	seq     uint64
	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithRole sets the role reported in heartbeats, publisher or subscriber.
func WithRole(role string) Option {
	return func(a *Agent) { a.role = role }
}

// WithHeartbeatInterval sets the heartbeat period used by Start.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithReauthMargin sets how long before session expiry the agent
// re-authenticates.
func WithReauthMargin(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.margin = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithCommandHandler receives commands sent to this device.
func WithCommandHandler(fn func(channel.Message)) Option {
	return func(a *Agent) { a.commands = fn }
}

// WithKeyringOptions passes options through to the agent's keyring.
func WithKeyringOptions(opts ...channel.KeyringOption) Option {
	return func(a *Agent) { a.ringOpts = append(a.ringOpts, opts...) }
}

// NewAgent creates an agent for deviceID talking to the server through api
// and to other devices through b.
func NewAgent(deviceID, secret string, api *Client, b bus.Bus, opts ...Option) *Agent {
	a := &Agent{
		deviceID: deviceID,
		secret:   secret,
		role:     channel.TypePublisher,
		api:      api,
		bus:      b,
		interval: DefaultHeartbeatInterval,
		margin:   DefaultReauthMargin,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "device"), zap.String("device_id", deviceID))
	return a
}

// DeviceID returns the agent's device ID.
func (a *Agent) DeviceID() string { return a.deviceID }

// SessionID returns the current session ID, or "" before Authenticate.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grant.SessionID
}

// Credentials returns the broker login for the current session. It fits
// bus.CredentialsFunc so reconnects pick up a renewed session.
func (a *Agent) Credentials() (username, password string) {
	return a.deviceID, a.SessionID()
}

// Register enrolls the device with the server.
func (a *Agent) Register(ctx context.Context, metadata map[string]any) error {
	if err := a.api.Register(ctx, a.deviceID, a.secret, metadata); err != nil {
		return err
	}
	a.logger.Info("device registered")
	return nil
}

// Authenticate runs the handshake and installs the new session key.
func (a *Agent) Authenticate(ctx context.Context) error {
	grant, err := a.api.Authenticate(ctx, a.deviceID, a.secret)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyring == nil {
		kr, err := channel.NewKeyring(a.deviceID, grant.SessionKey,
			append([]channel.KeyringOption{channel.WithClock(a.now), channel.WithLogger(a.logger)}, a.ringOpts...)...)
		if err != nil {
			return err
		}
		a.keyring = kr
	} else if err := a.keyring.UpdateSessionKey(grant.SessionKey); err != nil {
		return err
	}
	a.grant = grant
	a.logger.Info("authenticated",
		zap.String("session_id", grant.SessionID),
		zap.Time("expires_at", grant.ExpiresAt))
	return nil
}

// Authenticated reports whether the agent holds a session that is not due
// for renewal.
func (a *Agent) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validLocked()
}

func (a *Agent) validLocked() bool {
	if a.keyring == nil {
		return false
	}
	return a.grant.ExpiresAt.IsZero() || a.now().Before(a.grant.ExpiresAt.Add(-a.margin))
}

// ensureSession re-authenticates when the session is missing or near
// expiry.
func (a *Agent) ensureSession(ctx context.Context) (*channel.Keyring, error) {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	if a.Authenticated() {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.keyring, nil
	}
	a.logger.Info("session expired, re-authenticating")
	if err := a.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("re-authenticating: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keyring, nil
}

func (a *Agent) currentKeyring() (*channel.Keyring, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyring == nil {
		return nil, ErrNotAuthenticated
	}
	return a.keyring, nil
}

// SendHeartbeat publishes one sealed heartbeat with the next sequence
// number. Sequence numbers start at 1 and survive re-authentication.
func (a *Agent) SendHeartbeat(ctx context.Context) error {
	kr, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	wire, err := kr.Seal(channel.NewHeartbeat(a.deviceID, a.role, "online", seq, a.now()))
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, bus.HeartbeatTopic(a.deviceID), []byte(wire)); err != nil {
		return fmt.Errorf("publishing heartbeat %d: %w", seq, err)
	}
	a.logger.Debug("heartbeat sent", zap.Uint64("sequence", seq))
	return nil
}

// PublishData seals data and publishes it on the device's data topic.
func (a *Agent) PublishData(ctx context.Context, data map[string]any) error {
	kr, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}
	wire, err := kr.Seal(channel.Message{Type: channel.TypeData, Data: data})
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, bus.DataTopic(a.deviceID), []byte(wire))
}

// Subscribe fetches publisherID's session key from the server, binds it to
// the publisher's data topic and delivers each opened message to fn.
func (a *Agent) Subscribe(ctx context.Context, publisherID string, fn func(channel.Message)) error {
	kr, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}
	key, err := a.api.FetchKey(ctx, a.SessionID(), publisherID)
	if err != nil {
		return err
	}
	topic := bus.DataTopic(publisherID)
	if err := kr.BindTopic(topic, key); err != nil {
		return err
	}
	unsub, err := a.bus.Subscribe(topic, kr.Handler(func(_ string, msg channel.Message) { fn(msg) }))
	if err != nil {
		kr.UnbindTopic(topic)
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.mu.Unlock()
	a.logger.Info("subscribed", zap.String("publisher_id", publisherID))
	return nil
}

// Start subscribes to the device's command topic and sends heartbeats
// until ctx is cancelled or Close is called.
func (a *Agent) Start(ctx context.Context) error {
	kr, err := a.currentKeyring()
	if err != nil {
		return err
	}
	unsub, err := a.bus.Subscribe(bus.CommandsTopic(a.deviceID), kr.Handler(func(_ string, msg channel.Message) {
		a.logger.Info("command received", zap.Any("data", msg.Data))
		if a.commands != nil {
			a.commands(msg)
		}
	}))
	if err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if err := a.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the heartbeat loop and drops every subscription.
func (a *Agent) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	unsubs := a.unsubs
	a.cancel = nil
	a.unsubs = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	for _, u := range unsubs {
		u()
	}
	return nil
}
