// Package api exposes device registration, the two-factor handshake,
// device status and session-key distribution over HTTP.
package api

import (
	"context"
	_ "embed"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/heartbeat"
	"github.com/jmcleod/devicegate/mfa"
	"github.com/jmcleod/devicegate/storage/memory"
)

// CredentialRegistry enrolls devices.
type CredentialRegistry interface {
	Register(deviceID, secret string, metadata map[string]any) error
}

// Authenticator runs the two-factor handshake.
type Authenticator interface {
	Initiate(deviceID string) (string, error)
	ValidateCredentials(sessionID, secret string) (string, error)
	ValidateOTK(sessionID, otk string) (mfa.Grant, error)
	IsAuthenticated(sessionID string) bool
	DeviceID(sessionID string) (string, bool)
}

// StatusReader reports device liveness.
type StatusReader interface {
	Status(deviceID string) heartbeat.DeviceStatus
}

// KeyDirectory binds and serves device session keys.
type KeyDirectory interface {
	Bind(deviceID, sessionID, sessionKey string) error
	SessionKey(deviceID string) (string, error)
}

// Services are the components the handlers drive.
type Services struct {
	Credentials CredentialRegistry
	Sessions    Authenticator
	Heartbeats  StatusReader
	Keys        KeyDirectory
	// Trail defaults to an in-memory trail.
	Trail *audit.Trail
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc      Services
	failures *failureLimiter
	limiter  *rate.Limiter
	audit    *auditLogger
	logger   *zap.Logger
	now      func() time.Time

	maxFailures int
	alertFn     AlertFunc
	webhookURL  string
	webhookAuth string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger used for request and audit logging.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		a.logger = l
	}
}

// WithRateLimit throttles the authentication endpoints to rps requests per
// second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *API) {
		if rps > 0 && burst > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithMaxFailures sets how many failed factor checks lock a device out.
func WithMaxFailures(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.maxFailures = n
		}
	}
}

// WithAlertFunc receives anomaly alerts. Without it alerts are logged.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit entries and alerts to url. authHeader is
// an optional "Header: Value" pair.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(svc Services, opts ...Option) *API {
	a := &API{
		svc:         svc,
		limiter:     rate.NewLimiter(20, 40),
		logger:      zap.NewNop(),
		now:         time.Now,
		maxFailures: defaultMaxFailures,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "api"))
	if a.svc.Trail == nil {
		a.svc.Trail = audit.NewTrail(memory.NewRepository(), audit.WithLogger(a.logger))
	}
	a.failures = newFailureLimiter(a.maxFailures, a.now)

	var hook *auditWebhook
	if a.webhookURL != "" {
		hook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	alert := a.alertFn
	if alert == nil {
		alert = func(e AlertEvent) {
			a.logger.Warn("security alert",
				zap.String("type", string(e.Type)),
				zap.String("message", e.Message),
				zap.Int("count", e.Count),
				zap.Int("threshold", e.Threshold))
		}
	}
	if hook != nil {
		deliver := alert
		alert = func(e AlertEvent) {
			deliver(e)
			hook.enqueue(alertWebhookEvent(e))
		}
	}
	a.audit = newAuditLogger(a.logger, a.svc.Trail, newMetricsCollector(alert, a.now), hook)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", serveOpenAPI)

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Group(func(r chi.Router) {
			r.Use(a.Throttle)
			r.Post("/devices/register", a.RegisterDevice)
			r.Post("/auth/initiate", a.InitiateAuth)
			r.Post("/auth/validate-credentials", a.ValidateCredentials)
			r.Post("/auth/validate-otk", a.ValidateOTK)
		})

		r.Get("/devices/{deviceID}/status", a.DeviceStatus)
		r.With(a.SessionAuth).Get("/devices/{targetID}/key", a.LookupKey)
		r.With(a.SessionAuth).Get("/audit", a.ListAudit)
	})

	return r
}

// Run sweeps stale lockout records until ctx is cancelled, then stops
// audit delivery.
func (a *API) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.audit.close()
			return
		case <-ticker.C:
			a.failures.sweep()
		}
	}
}
