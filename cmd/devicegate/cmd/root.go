package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/config"
	"github.com/jmcleod/devicegate/internal/logging"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "devicegate",
	Short: "devicegate authenticates IoT devices onto an encrypted message bus",
	Long: `devicegate runs two-factor device authentication in front of an MQTT
bus. Devices prove a registered secret and a one-time key, receive a session
key, and publish heartbeats and data encrypted under it.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.SetDefaults(v)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a devicegate.yaml config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json or console)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadConfig reads the merged configuration and builds the logger it names.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
