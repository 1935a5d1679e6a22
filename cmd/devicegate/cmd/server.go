package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/api"
	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/channel"
	"github.com/jmcleod/devicegate/config"
	"github.com/jmcleod/devicegate/credential"
	"github.com/jmcleod/devicegate/envelope"
	"github.com/jmcleod/devicegate/heartbeat"
	"github.com/jmcleod/devicegate/mfa"
	"github.com/jmcleod/devicegate/otk"
	"github.com/jmcleod/devicegate/storage"
	bboltstorage "github.com/jmcleod/devicegate/storage/bbolt"
	"github.com/jmcleod/devicegate/storage/memory"
)

var (
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server and MQTT broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serverCmd.Flags().String("mqtt-addr", ":1883", "MQTT listen address")
	serverCmd.Flags().String("audit-db", "", "BBolt file for the audit trail (in memory when empty)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	_ = v.BindPFlag("server.addr", serverCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("bus.listen", serverCmd.Flags().Lookup("mqtt-addr"))
	_ = v.BindPFlag("audit.path", serverCmd.Flags().Lookup("audit-db"))
}

// openAuditRepository opens the bbolt file at path, creating its directory,
// or an in-memory repository when path is empty.
func openAuditRepository(path string) (storage.Repository, error) {
	if path == "" {
		return memory.NewRepository(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit storage: %w", err)
	}
	return repo, nil
}

// gateway is the assembled server side.
type gateway struct {
	store    *credential.Store
	otks     *otk.Manager
	monitor  *heartbeat.Monitor
	sessions *mfa.Manager
	broker   *bus.Broker
	hub      *channel.Hub
	api      *api.API
	repo     storage.Repository
}

func buildGateway(cfg config.Config, logger *zap.Logger) (*gateway, error) {
	suite, err := envelope.ParseSuite(cfg.Channel.Cipher)
	if err != nil {
		return nil, err
	}
	payloads, err := channel.ParsePayloadCodec(cfg.Channel.PayloadCodec)
	if err != nil {
		return nil, err
	}
	repo, err := openAuditRepository(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	trail := audit.NewTrail(repo, audit.WithBucket(cfg.Audit.Bucket), audit.WithLogger(logger))

	g := &gateway{repo: repo}
	g.store = credential.NewStore(
		credential.WithCapacity(cfg.Store.Capacity),
		credential.WithBucketSize(cfg.Store.BucketSize),
		credential.WithFingerprintBits(cfg.Store.FingerprintBits),
		credential.WithLogger(logger))
	g.otks = otk.NewManager(
		otk.WithTTL(cfg.OTK.TTL),
		otk.WithDigits(cfg.OTK.Digits),
		otk.WithLogger(logger))
	g.monitor = heartbeat.NewMonitor(
		heartbeat.WithWindow(cfg.Heartbeat.Window),
		heartbeat.WithTimeout(cfg.Heartbeat.Timeout),
		heartbeat.WithLogger(logger),
		heartbeat.WithStatusRecorder(g.store),
		heartbeat.WithListener(func(t heartbeat.Transition) { g.api.RecordTransition(t) }))
	g.sessions = mfa.NewManager(g.store, g.otks, g.monitor,
		mfa.WithTimeout(cfg.Session.Timeout),
		mfa.WithLifetime(cfg.Session.Lifetime),
		mfa.WithLogger(logger),
		mfa.WithExpiryHook(func(s mfa.Session) {
			g.hub.Revoke(s.DeviceID, s.ID)
			g.api.RecordSessionExpired(s)
		}))

	brokerOpts := []bus.BrokerOption{bus.WithListenAddr(cfg.Bus.Listen), bus.WithBrokerLogger(logger)}
	if cfg.Bus.Auth {
		brokerOpts = append(brokerOpts, bus.WithSessionAuth(g.sessions))
	} else {
		logger.Warn("mqtt session authentication disabled")
	}
	g.broker, err = bus.NewBroker(brokerOpts...)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	g.hub = channel.NewHub(g.broker,
		channel.WithHubSuite(suite),
		channel.WithHubPayloadCodec(payloads),
		channel.WithHubLogger(logger),
		channel.WithHeartbeatRecorder(g.monitor),
		channel.WithDecryptFailureHook(func(f channel.DecryptFailure) { g.api.RecordDecryptFailure(f) }))

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		api.WithMaxFailures(cfg.Server.MaxFailures),
	}
	if cfg.Audit.WebhookURL != "" {
		apiOpts = append(apiOpts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader))
	}
	g.api = api.New(api.Services{
		Credentials: g.store,
		Sessions:    g.sessions,
		Heartbeats:  g.monitor,
		Keys:        g.hub,
		Trail:       trail,
	}, apiOpts...)
	return g, nil
}

func (g *gateway) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", g.api.Health)
	r.Mount("/api/v1", g.api.Router())
	return r
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	g, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.repo.Close()

	if err := g.broker.Start(); err != nil {
		return err
	}
	defer g.broker.Close()
	if err := g.hub.Start(); err != nil {
		return err
	}
	defer g.hub.Close()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		g.otks.Run,
		g.sessions.Run,
		g.api.Run,
		func(ctx context.Context) { g.monitor.Run(ctx, cfg.Heartbeat.SweepInterval) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(loopCtx)
		}()
	}
	defer func() {
		cancelLoops()
		wg.Wait()
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           g.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsCert != "" && tlsKey != "" {
			err = server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	logger.Info("devicegate started",
		zap.String("http_addr", cfg.Server.Addr),
		zap.String("mqtt_addr", cfg.Bus.Listen),
		zap.Bool("tls", tlsCert != "" && tlsKey != ""),
		zap.String("audit_path", cfg.Audit.Path))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
