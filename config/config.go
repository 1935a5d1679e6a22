// Package config loads devicegate settings from a YAML file, DEVICEGATE_
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/devicegate/channel"
	"github.com/jmcleod/devicegate/envelope"
)

// EnvPrefix prefixes every environment variable, e.g. DEVICEGATE_SERVER_ADDR.
const EnvPrefix = "DEVICEGATE"

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit is the sustained request rate, per second, on auth endpoints.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// MaxFailures is how many failed factor checks lock a device out.
	MaxFailures int `mapstructure:"max_failures"`
}

type BusConfig struct {
	// Listen is the embedded broker's TCP address; empty disables it.
	Listen string `mapstructure:"listen"`
	// Auth requires MQTT clients to present an authenticated session.
	Auth bool `mapstructure:"auth"`
}

type StoreConfig struct {
	Capacity        int `mapstructure:"capacity"`
	BucketSize      int `mapstructure:"bucket_size"`
	FingerprintBits int `mapstructure:"fingerprint_bits"`
}

type OTKConfig struct {
	TTL    time.Duration `mapstructure:"ttl"`
	Digits int           `mapstructure:"digits"`
}

type SessionConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Lifetime time.Duration `mapstructure:"lifetime"`
}

type HeartbeatConfig struct {
	Window        int           `mapstructure:"window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// Interval is how often device agents send heartbeats.
	Interval time.Duration `mapstructure:"interval"`
}

type ChannelConfig struct {
	MaxMessageAge time.Duration `mapstructure:"max_message_age"`
	PayloadCodec  string        `mapstructure:"payload_codec"`
	Cipher        string        `mapstructure:"cipher"`
}

type AuditConfig struct {
	// Path is the bbolt file; empty keeps the trail in memory.
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	// WebhookURL receives every audit event and alert as JSON when set.
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookHeader string `mapstructure:"webhook_header"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeviceConfig is read by the device agent.
type DeviceConfig struct {
	ServerURL string `mapstructure:"server_url"`
	BrokerURL string `mapstructure:"broker_url"`
}

// Config is the full settings tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Bus       BusConfig       `mapstructure:"bus"`
	Store     StoreConfig     `mapstructure:"store"`
	OTK       OTKConfig       `mapstructure:"otk"`
	Session   SessionConfig   `mapstructure:"session"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Device    DeviceConfig    `mapstructure:"device"`
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.max_failures", 5)
	v.SetDefault("bus.listen", ":1883")
	v.SetDefault("bus.auth", true)
	v.SetDefault("store.capacity", 1000)
	v.SetDefault("store.bucket_size", 2)
	v.SetDefault("store.fingerprint_bits", 16)
	v.SetDefault("otk.ttl", 2*time.Minute)
	v.SetDefault("otk.digits", 8)
	v.SetDefault("session.timeout", 5*time.Minute)
	v.SetDefault("session.lifetime", 30*time.Minute)
	v.SetDefault("heartbeat.window", 5)
	v.SetDefault("heartbeat.timeout", 30*time.Second)
	v.SetDefault("heartbeat.sweep_interval", 15*time.Second)
	v.SetDefault("heartbeat.interval", 5*time.Second)
	v.SetDefault("channel.max_message_age", 5*time.Second)
	v.SetDefault("channel.payload_codec", channel.PayloadJSON)
	v.SetDefault("channel.cipher", string(envelope.SuiteAES128GCM))
	v.SetDefault("audit.path", "")
	v.SetDefault("audit.bucket", "audit")
	v.SetDefault("audit.webhook_url", "")
	v.SetDefault("audit.webhook_header", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("device.server_url", "http://localhost:8080")
	v.SetDefault("device.broker_url", "tcp://localhost:1883")
}

// Load reads configuration into a Config. When configFile is empty,
// devicegate.yaml is searched for in the working directory and
// /etc/devicegate; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("devicegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/devicegate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr must not be empty")
	check(c.Server.RateLimit > 0, "server.rate_limit must be positive, got %v", c.Server.RateLimit)
	check(c.Server.RateBurst > 0, "server.rate_burst must be positive, got %d", c.Server.RateBurst)
	check(c.Server.MaxFailures > 0, "server.max_failures must be positive, got %d", c.Server.MaxFailures)
	check(c.Store.Capacity > 0, "store.capacity must be positive, got %d", c.Store.Capacity)
	check(c.Store.BucketSize > 0 && c.Store.BucketSize <= 8, "store.bucket_size must be between 1 and 8, got %d", c.Store.BucketSize)
	check(c.Store.FingerprintBits >= 4 && c.Store.FingerprintBits <= 16, "store.fingerprint_bits must be between 4 and 16, got %d", c.Store.FingerprintBits)
	check(c.OTK.TTL > 0, "otk.ttl must be positive")
	check(c.OTK.Digits == 6 || c.OTK.Digits == 8, "otk.digits must be 6 or 8, got %d", c.OTK.Digits)
	check(c.Session.Timeout > 0, "session.timeout must be positive")
	check(c.Session.Lifetime > 0, "session.lifetime must be positive")
	check(c.Heartbeat.Window > 1, "heartbeat.window must be at least 2, got %d", c.Heartbeat.Window)
	check(c.Heartbeat.Timeout > 0, "heartbeat.timeout must be positive")
	check(c.Heartbeat.SweepInterval > 0, "heartbeat.sweep_interval must be positive")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Channel.MaxMessageAge > 0, "channel.max_message_age must be positive")
	if _, err := channel.ParsePayloadCodec(c.Channel.PayloadCodec); err != nil {
		problems = append(problems, "channel.payload_codec: "+err.Error())
	}
	if _, err := envelope.ParseSuite(c.Channel.Cipher); err != nil {
		problems = append(problems, "channel.cipher: "+err.Error())
	}
	check(c.Audit.Bucket != "", "audit.bucket must not be empty")
	if c.Audit.WebhookURL != "" {
		u, err := url.Parse(c.Audit.WebhookURL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"audit.webhook_url must be an http or https URL, got %q", c.Audit.WebhookURL)
	}
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console, got %q", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
