package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/envelope"
)

// DefaultMaxMessageAge is the freshness threshold for received messages.
const DefaultMaxMessageAge = 5 * time.Second

var (
	// ErrStaleMessage is returned for messages older than the freshness
	// threshold.
	ErrStaleMessage = errors.New("message too old")
	// ErrTopicNotBound is returned for another device's topic with no key
	// bound to it.
	ErrTopicNotBound = errors.New("no key bound for topic")
)

// Keyring is the device side of the secure channel. It encrypts the
// device's own traffic under its session key and decrypts each granted
// publisher topic under that publisher's key.
type Keyring struct {
	deviceID string
	suite    envelope.Suite
	payloads PayloadCodec
	maxAge   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.RWMutex
	own    *envelope.Codec
	topics map[string]*envelope.Codec
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithSuite selects the cipher suite.
func WithSuite(s envelope.Suite) KeyringOption {
	return func(k *Keyring) { k.suite = s }
}

// WithPayloadCodec selects the message serialization.
func WithPayloadCodec(c PayloadCodec) KeyringOption {
	return func(k *Keyring) { k.payloads = c }
}

// WithMaxMessageAge sets the freshness threshold.
func WithMaxMessageAge(d time.Duration) KeyringOption {
	return func(k *Keyring) {
		if d > 0 {
			k.maxAge = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeyringOption {
	return func(k *Keyring) { k.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) KeyringOption {
	return func(k *Keyring) { k.logger = l }
}

// NewKeyring creates a Keyring for deviceID holding sessionKey.
func NewKeyring(deviceID, sessionKey string, opts ...KeyringOption) (*Keyring, error) {
	k := &Keyring{
		deviceID: deviceID,
		suite:    envelope.SuiteAES128GCM,
		payloads: JSONCodec{},
		maxAge:   DefaultMaxMessageAge,
		now:      time.Now,
		logger:   zap.NewNop(),
		topics:   make(map[string]*envelope.Codec),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With(zap.String("component", "keyring"), zap.String("device_id", deviceID))
	if err := k.UpdateSessionKey(sessionKey); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keyring) newCodec(key string) (*envelope.Codec, error) {
	if key == "" {
		return nil, ErrEmptySessionKey
	}
	return envelope.NewCodec([]byte(key), envelope.WithSuite(k.suite))
}

// UpdateSessionKey replaces the device's own key after re-authentication.
// Topic bindings are kept.
func (k *Keyring) UpdateSessionKey(sessionKey string) error {
	codec, err := k.newCodec(sessionKey)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.own = codec
	k.mu.Unlock()
	return nil
}

// BindTopic binds a publisher's session key to one topic.
func (k *Keyring) BindTopic(topic, key string) error {
	codec, err := k.newCodec(key)
	if err != nil {
		return fmt.Errorf("binding %s: %w", topic, err)
	}
	k.mu.Lock()
	k.topics[topic] = codec
	k.mu.Unlock()
	k.logger.Info("topic key bound", zap.String("topic", topic))
	return nil
}

// UnbindTopic removes a topic binding.
func (k *Keyring) UnbindTopic(topic string) {
	k.mu.Lock()
	delete(k.topics, topic)
	k.mu.Unlock()
}

// Topics returns the number of bound topics.
func (k *Keyring) Topics() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.topics)
}

// Seal stamps msg with the current time if unset and encrypts it under the
// device's own key.
func (k *Keyring) Seal(msg Message) (string, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = k.now().UnixMilli()
	}
	if msg.DeviceID == "" {
		msg.DeviceID = k.deviceID
	}
	plain, err := k.payloads.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}
	k.mu.RLock()
	own := k.own
	k.mu.RUnlock()
	return own.Encrypt(plain)
}

// Open decrypts a message received on topic and enforces freshness. Topics
// of other devices use their bound key; the device's own topics and
// non-device topics use its own key.
func (k *Keyring) Open(topic, wire string) (Message, error) {
	codec, err := k.codecFor(topic)
	if err != nil {
		return Message{}, err
	}
	plain, err := codec.Decrypt(wire)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := k.payloads.Unmarshal(plain, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if owner, _, ok := bus.ParseDeviceTopic(topic); ok && owner != k.deviceID && msg.DeviceID != owner {
		return Message{}, ErrDeviceMismatch
	}
	// Future timestamps from skewed clocks are accepted.
	if age := k.now().Sub(msg.Time()); age > k.maxAge {
		return Message{}, fmt.Errorf("%w: age %s", ErrStaleMessage, age.Round(time.Millisecond))
	}
	return msg, nil
}

func (k *Keyring) codecFor(topic string) (*envelope.Codec, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if c, ok := k.topics[topic]; ok {
		return c, nil
	}
	if owner, _, ok := bus.ParseDeviceTopic(topic); ok && owner != k.deviceID {
		return nil, ErrTopicNotBound
	}
	return k.own, nil
}

// Handler adapts fn into a bus handler that opens each message and drops,
// with a log line, anything that fails to decrypt or is stale.
func (k *Keyring) Handler(fn func(topic string, msg Message)) bus.Handler {
	return func(topic string, payload []byte) {
		msg, err := k.Open(topic, string(payload))
		if err != nil {
			if errors.Is(err, ErrStaleMessage) {
				k.logger.Warn("stale message dropped", zap.String("topic", topic), zap.Error(err))
			} else {
				k.logger.Warn("message dropped", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		fn(topic, msg)
	}
}
