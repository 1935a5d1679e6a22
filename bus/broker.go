package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

// Broker is an embedded MQTT broker. The hub publishes and subscribes
// through the broker's inline client; devices connect over TCP.
type Broker struct {
	server *mqtt.Server
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	closed bool

	listenAddr string
	sessions   SessionVerifier
	closeOnce  sync.Once
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithListenAddr sets the TCP address devices connect to. Without it the
// broker is reachable only through its inline client.
func WithListenAddr(addr string) BrokerOption {
	return func(b *Broker) {
		b.listenAddr = addr
	}
}

// WithSessionAuth requires devices to connect with an authenticated
// session and restricts their topics. Without it every client is allowed.
func WithSessionAuth(v SessionVerifier) BrokerOption {
	return func(b *Broker) {
		b.sessions = v
	}
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

// NewBroker configures a broker. Call Start to begin serving.
func NewBroker(opts ...BrokerOption) (*Broker, error) {
	b := &Broker{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "broker"))

	b.server = mqtt.New(&mqtt.Options{
		InlineClient: true,
		// The broker's own logging is limited to warnings; connection
		// events of interest are logged by the hooks.
		Logger: slog.New(slog.NewTextHandler(zap.NewStdLog(b.logger).Writer(), &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	var err error
	if b.sessions != nil {
		err = b.server.AddHook(NewSessionAuthHook(b.sessions, b.logger), nil)
	} else {
		err = b.server.AddHook(new(auth.AllowHook), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("adding auth hook: %w", err)
	}

	if b.listenAddr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "devices", Address: b.listenAddr})
		if err := b.server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("adding mqtt listener on %s: %w", b.listenAddr, err)
		}
	}
	return b, nil
}

// Start begins serving listeners. It does not block.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("starting mqtt broker: %w", err)
	}
	b.logger.Info("mqtt broker started", zap.String("addr", b.listenAddr))
	return nil
}

// Publish sends payload through the inline client at QoS 0.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrTransportNotConnected
	}
	if err := b.server.Publish(topic, payload, false, 0); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers an inline subscription.
func (b *Broker) Subscribe(filter string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrTransportNotConnected
	}
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	err := b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		h(pk.TopicName, pk.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	return func() {
		if err := b.server.Unsubscribe(filter, id); err != nil {
			b.logger.Debug("unsubscribe failed", zap.String("filter", filter), zap.Error(err))
		}
	}, nil
}

// Close stops the broker and disconnects all clients.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		err = b.server.Close()
		b.logger.Info("mqtt broker stopped")
	})
	return err
}
