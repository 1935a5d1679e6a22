// Package channel binds authenticated session keys to bus traffic.
//
// The Hub runs on the server. It keeps one binding per authenticated device,
// decrypts the heartbeats it observes, answers key-distribution lookups and
// sends encrypted messages to devices. The Keyring runs on each device: it
// holds the device's own session key and one key per publisher topic the
// device has been granted, and drops stale messages on receipt.
package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/envelope"
	"github.com/jmcleod/devicegate/heartbeat"
)

var (
	// ErrTargetNotFound is the reason of a KeyExchangeError for a device
	// that has no authenticated session bound.
	ErrTargetNotFound = errors.New("target device not found or not authenticated")
	// ErrUnknownDevice is returned when decrypting or sending for a device
	// without a binding.
	ErrUnknownDevice = errors.New("no session bound for device")
	// ErrDeviceMismatch is returned when a message claims a device ID other
	// than the one its topic belongs to.
	ErrDeviceMismatch = errors.New("message device id does not match topic")
	// ErrEmptySessionKey is returned when binding an empty key.
	ErrEmptySessionKey = errors.New("session key is required")
)

// KeyExchangeError reports a failed session key lookup.
type KeyExchangeError struct {
	DeviceID string
	Reason   error
}

func (e *KeyExchangeError) Error() string {
	return fmt.Sprintf("key exchange for device %q: %v", e.DeviceID, e.Reason)
}

func (e *KeyExchangeError) Unwrap() error { return e.Reason }

// HeartbeatRecorder receives decrypted heartbeats.
type HeartbeatRecorder interface {
	RecordHeartbeat(deviceID, status string, seq *uint64) heartbeat.Result
}

// DecryptFailure describes an inbound message that could not be opened.
type DecryptFailure struct {
	DeviceID string
	Topic    string
	Err      error
}

type binding struct {
	sessionID string
	key       *memguard.Enclave
	codec     *envelope.Codec
	boundAt   time.Time
}

// Hub is the server side of the secure channel.
type Hub struct {
	bus      bus.Bus
	recorder HeartbeatRecorder
	suite    envelope.Suite
	payloads PayloadCodec
	now      func() time.Time
	logger   *zap.Logger
	failures []func(DecryptFailure)

	mu       sync.RWMutex
	bindings map[string]*binding

	unsubscribe func()
	closeOnce   sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHeartbeatRecorder sets where decrypted heartbeats are recorded.
func WithHeartbeatRecorder(r HeartbeatRecorder) HubOption {
	return func(h *Hub) { h.recorder = r }
}

// WithHubSuite selects the cipher suite for bound codecs.
func WithHubSuite(s envelope.Suite) HubOption {
	return func(h *Hub) { h.suite = s }
}

// WithHubPayloadCodec selects the message serialization.
func WithHubPayloadCodec(c PayloadCodec) HubOption {
	return func(h *Hub) { h.payloads = c }
}

// WithHubClock overrides the time source.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithDecryptFailureHook registers a callback for inbound messages that fail
// to decrypt or decode.
func WithDecryptFailureHook(fn func(DecryptFailure)) HubOption {
	return func(h *Hub) { h.failures = append(h.failures, fn) }
}

// NewHub creates a Hub publishing on b.
func NewHub(b bus.Bus, opts ...HubOption) *Hub {
	h := &Hub{
		bus:      b,
		suite:    envelope.SuiteAES128GCM,
		payloads: JSONCodec{},
		now:      time.Now,
		logger:   zap.NewNop(),
		bindings: make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "channel"))
	return h
}

// RegisterDeviceSession binds sessionKey to deviceID, replacing any earlier
// binding.
func (h *Hub) RegisterDeviceSession(deviceID, sessionKey string) error {
	return h.Bind(deviceID, "", sessionKey)
}

// Bind binds sessionKey to deviceID on behalf of sessionID, replacing any
// earlier binding. Revoke with the same sessionID removes it again.
func (h *Hub) Bind(deviceID, sessionID, sessionKey string) error {
	if sessionKey == "" {
		return ErrEmptySessionKey
	}
	codec, err := envelope.NewCodec([]byte(sessionKey), envelope.WithSuite(h.suite))
	if err != nil {
		return fmt.Errorf("binding session for %s: %w", deviceID, err)
	}
	b := &binding{
		sessionID: sessionID,
		key:       memguard.NewEnclave([]byte(sessionKey)),
		codec:     codec,
		boundAt:   h.now(),
	}

	h.mu.Lock()
	_, replaced := h.bindings[deviceID]
	h.bindings[deviceID] = b
	h.mu.Unlock()

	h.logger.Info("device session bound",
		zap.String("device_id", deviceID),
		zap.String("session_id", sessionID),
		zap.Bool("replaced", replaced))
	return nil
}

// Revoke removes the binding of deviceID if it was made for sessionID. An
// empty sessionID removes any binding. It reports whether a binding was
// removed.
func (h *Hub) Revoke(deviceID, sessionID string) bool {
	h.mu.Lock()
	b, ok := h.bindings[deviceID]
	if !ok || (sessionID != "" && b.sessionID != sessionID) {
		h.mu.Unlock()
		return false
	}
	delete(h.bindings, deviceID)
	h.mu.Unlock()

	h.logger.Info("device session revoked",
		zap.String("device_id", deviceID),
		zap.String("session_id", sessionID))
	return true
}

// SessionKey returns the session key bound to deviceID.
func (h *Hub) SessionKey(deviceID string) (string, error) {
	h.mu.RLock()
	b, ok := h.bindings[deviceID]
	h.mu.RUnlock()
	if !ok {
		return "", &KeyExchangeError{DeviceID: deviceID, Reason: ErrTargetNotFound}
	}
	buf, err := b.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening session key for %s: %w", deviceID, err)
	}
	// buf.String aliases locked memory that Destroy unmaps, so copy first.
	key := string(buf.Bytes())
	buf.Destroy()
	return key, nil
}

// Bound reports whether deviceID has a binding.
func (h *Hub) Bound(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bindings[deviceID]
	return ok
}

// Devices returns the IDs of all bound devices in order.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.bindings))
	for id := range h.bindings {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (h *Hub) codecFor(deviceID string) (*envelope.Codec, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bindings[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return b.codec, nil
}

// DecryptInbound opens an envelope sent by deviceID.
func (h *Hub) DecryptInbound(deviceID, wire string) ([]byte, error) {
	codec, err := h.codecFor(deviceID)
	if err != nil {
		return nil, err
	}
	return codec.Decrypt(wire)
}

// SendTo encrypts msg under deviceID's session key and publishes it on
// topic.
func (h *Hub) SendTo(ctx context.Context, deviceID, topic string, msg Message) error {
	codec, err := h.codecFor(deviceID)
	if err != nil {
		return err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = h.now().UnixMilli()
	}
	plain, err := h.payloads.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	wire, err := codec.Encrypt(plain)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, topic, []byte(wire))
}

// Start subscribes to every device's heartbeat topic.
func (h *Hub) Start() error {
	unsub, err := h.bus.Subscribe(bus.HeartbeatWildcard, h.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	h.mu.Lock()
	h.unsubscribe = unsub
	h.mu.Unlock()
	h.logger.Info("hub listening", zap.String("filter", bus.HeartbeatWildcard))
	return nil
}

func (h *Hub) handleHeartbeat(topic string, payload []byte) {
	deviceID, kind, ok := bus.ParseDeviceTopic(topic)
	if !ok || kind != bus.KindHeartbeat {
		return
	}
	msg, err := h.open(deviceID, payload)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			h.logger.Debug("heartbeat from unbound device dropped", zap.String("device_id", deviceID))
			return
		}
		h.reportFailure(DecryptFailure{DeviceID: deviceID, Topic: topic, Err: err})
		return
	}
	if h.recorder != nil {
		h.recorder.RecordHeartbeat(deviceID, msg.Status, msg.Sequence)
	}
}

func (h *Hub) open(deviceID string, payload []byte) (Message, error) {
	plain, err := h.DecryptInbound(deviceID, string(payload))
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := h.payloads.Unmarshal(plain, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if msg.DeviceID != deviceID {
		return Message{}, ErrDeviceMismatch
	}
	return msg, nil
}

func (h *Hub) reportFailure(f DecryptFailure) {
	h.logger.Warn("inbound message dropped",
		zap.String("device_id", f.DeviceID),
		zap.String("topic", f.Topic),
		zap.Error(f.Err))
	for _, fn := range h.failures {
		fn(f)
	}
}

// Close stops the heartbeat subscription and drops all bindings.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		unsub := h.unsubscribe
		h.bindings = make(map[string]*binding)
		h.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})
	return nil
}
