package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/channel"
	"github.com/jmcleod/devicegate/heartbeat"
	"github.com/jmcleod/devicegate/mfa"
)

// auditLogger writes security events to the log, the audit trail, the
// anomaly metrics and, when configured, a webhook.
type auditLogger struct {
	logger  *zap.Logger
	trail   *audit.Trail
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *zap.Logger, trail *audit.Trail, metrics *metricsCollector, webhook *auditWebhook) *auditLogger {
	return &auditLogger{
		logger:  logger.With(zap.String("component", "audit")),
		trail:   trail,
		metrics: metrics,
		webhook: webhook,
	}
}

// log records an event caused by an HTTP request.
func (al *auditLogger) log(r *http.Request, event audit.Event, deviceID, sessionID, detail string) {
	al.record(event, deviceID, sessionID, detail, zap.String("remote_addr", r.RemoteAddr))
}

func (al *auditLogger) record(event audit.Event, deviceID, sessionID, detail string, extra ...zap.Field) {
	fields := []zap.Field{zap.String("event", string(event))}
	if deviceID != "" {
		fields = append(fields, zap.String("device_id", deviceID))
	}
	if sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	fields = append(fields, extra...)
	al.logger.Info("audit", fields...)

	entry, err := al.trail.Append(event, deviceID, sessionID, detail)
	if err != nil {
		al.logger.Error("audit trail append failed", zap.String("event", string(event)), zap.Error(err))
	} else if al.webhook != nil {
		al.webhook.enqueue(entryWebhookEvent(entry))
	}
	al.metrics.recordEvent(event)
}

func (al *auditLogger) close() {
	if al.webhook != nil {
		al.webhook.close()
	}
}

// RecordDecryptFailure audits an inbound envelope the channel could not
// open. It is suitable as a channel.WithDecryptFailureHook callback.
func (a *API) RecordDecryptFailure(f channel.DecryptFailure) {
	a.audit.record(audit.EventDecryptFailure, f.DeviceID, "", fmt.Sprintf("topic=%s: %v", f.Topic, f.Err))
}

// RecordSessionExpired audits a session evicted by timeout. It is suitable
// as an mfa.WithExpiryHook callback.
func (a *API) RecordSessionExpired(s mfa.Session) {
	a.audit.record(audit.EventSessionExpired, s.DeviceID, s.ID, string(s.State()))
}

// RecordTransition audits devices going offline. It is suitable as a
// heartbeat.WithListener callback.
func (a *API) RecordTransition(t heartbeat.Transition) {
	if t.To != heartbeat.StatusOffline {
		return
	}
	a.audit.record(audit.EventDeviceOffline, t.DeviceID, "", fmt.Sprintf("from=%s", t.From))
}
