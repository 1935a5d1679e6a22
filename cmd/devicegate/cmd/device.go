package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/channel"
	"github.com/jmcleod/devicegate/config"
	"github.com/jmcleod/devicegate/device"
	"github.com/jmcleod/devicegate/envelope"
)

var (
	deviceID        string
	deviceSecret    string
	deviceRole      string
	subscribeTo     []string
	publishInterval time.Duration
	skipRegister    bool
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a simulated device against a devicegate server",
	Long: `Registers a device, completes the two-factor handshake and connects to
the broker. Publishers send sensor readings on their data topic; subscribers
fetch each publisher's key and print what they receive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if deviceID == "" || deviceSecret == "" {
			return errors.New("--id and --secret are required")
		}
		if deviceRole != channel.TypePublisher && deviceRole != channel.TypeSubscriber {
			return fmt.Errorf("--role must be %s or %s", channel.TypePublisher, channel.TypeSubscriber)
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDevice(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceID, "id", "", "Device ID")
	deviceCmd.Flags().StringVar(&deviceSecret, "secret", "", "Device secret")
	deviceCmd.Flags().StringVar(&deviceRole, "role", channel.TypePublisher, "publisher or subscriber")
	deviceCmd.Flags().StringSliceVar(&subscribeTo, "subscribe", nil, "Publisher IDs to subscribe to")
	deviceCmd.Flags().DurationVar(&publishInterval, "publish-interval", 5*time.Second, "Interval between data messages")
	deviceCmd.Flags().BoolVar(&skipRegister, "skip-register", false, "Assume the device is already registered")
	deviceCmd.Flags().String("server", "http://localhost:8080", "devicegate server URL")
	deviceCmd.Flags().String("broker", "tcp://localhost:1883", "MQTT broker URL")
	_ = v.BindPFlag("device.server_url", deviceCmd.Flags().Lookup("server"))
	_ = v.BindPFlag("device.broker_url", deviceCmd.Flags().Lookup("broker"))
}

func runDevice(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	suite, err := envelope.ParseSuite(cfg.Channel.Cipher)
	if err != nil {
		return err
	}
	payloads, err := channel.ParsePayloadCodec(cfg.Channel.PayloadCodec)
	if err != nil {
		return err
	}

	var agent *device.Agent
	client := bus.NewClient(bus.ClientConfig{
		BrokerURL:   cfg.Device.BrokerURL,
		ClientID:    deviceID,
		Credentials: func() (string, string) { return agent.Credentials() },
		Logger:      logger,
	})
	agent = device.NewAgent(deviceID, deviceSecret,
		device.NewClient(cfg.Device.ServerURL, nil), client,
		device.WithRole(deviceRole),
		device.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		device.WithLogger(logger),
		device.WithKeyringOptions(
			channel.WithSuite(suite),
			channel.WithPayloadCodec(payloads),
			channel.WithMaxMessageAge(cfg.Channel.MaxMessageAge)))

	if !skipRegister {
		// Registering the same secret again is accepted by the server.
		if err := agent.Register(ctx, map[string]any{"type": deviceRole}); err != nil {
			return fmt.Errorf("registering: %w", err)
		}
	}
	if err := agent.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := agent.Start(ctx); err != nil {
		return err
	}
	defer agent.Close()

	for _, pub := range subscribeTo {
		err := agent.Subscribe(ctx, pub, func(m channel.Message) {
			logger.Info("data received",
				zap.String("publisher_id", m.DeviceID),
				zap.Time("sent_at", m.Time()),
				zap.Any("data", m.Data))
		})
		if err != nil {
			return err
		}
	}

	if deviceRole != channel.TypePublisher {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reading := map[string]any{
				"temperature": 18 + rand.Float64()*10,
				"humidity":    30 + rand.Float64()*40,
			}
			if err := agent.PublishData(ctx, reading); err != nil {
				logger.Warn("publish failed", zap.Error(err))
			}
		}
	}
}
