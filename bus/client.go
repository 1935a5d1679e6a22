package bus

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 10 * time.Second

// CredentialsFunc returns the username and password presented on every
// (re)connect.
type CredentialsFunc func() (username, password string)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string
	// ClientID identifies the MQTT session; usually the device ID.
	ClientID string
	// Credentials supplies connect credentials. Optional.
	Credentials    CredentialsFunc
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Client is a Bus backed by a connection to a remote MQTT broker.
type Client struct {
	cfg    ClientConfig
	client paho.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "mqtt-client"), zap.String("client_id", cfg.ClientID)),
		subs:   make(map[string]Handler),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Credentials != nil {
		opts.SetCredentialsProvider(paho.CredentialsProvider(cfg.Credentials))
	}
	c.client = paho.NewClient(opts)
	return c
}

// Connect dials the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.cfg.BrokerURL, err)
	}
	c.logger.Info("mqtt connected", zap.String("broker", c.cfg.BrokerURL))
	return nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Publish sends payload at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.Connected() {
		return ErrTransportNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, 1, false, payload)); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for filter at QoS 1. A later subscription to the
// same filter replaces the earlier handler. Subscriptions are restored
// after a reconnect.
func (c *Client) Subscribe(filter string, h Handler) (func(), error) {
	if !c.Connected() {
		return nil, ErrTransportNotConnected
	}
	c.mu.Lock()
	c.subs[filter] = h
	c.mu.Unlock()

	if err := wait(context.Background(), c.client.Subscribe(filter, 1, c.deliver(h))); err != nil {
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	return func() {
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		if c.Connected() {
			c.client.Unsubscribe(filter)
		}
	}, nil
}

// Close disconnects, waiting briefly for in-flight work.
func (c *Client) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	return nil
}

func (c *Client) deliver(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	}
}

func (c *Client) onConnect(pc paho.Client) {
	c.mu.Lock()
	subs := maps.Clone(c.subs)
	c.mu.Unlock()
	for filter, h := range subs {
		pc.Subscribe(filter, 1, c.deliver(h))
	}
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
