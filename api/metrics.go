package api

import (
	"sync"
	"time"

	"github.com/jmcleod/devicegate/audit"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertTamperSpike      AlertType = "tamper_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	// Rejected credentials and one-time keys.
	authFailures  []time.Time
	authWindow    time.Duration
	authThreshold int

	// Envelopes that failed to decrypt, the signature of tampering.
	tampers         []time.Time
	tamperWindow    time.Duration
	tamperThreshold int

	alertFn AlertFunc
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 20
	defaultTamperWindow         = 1 * time.Minute
	defaultTamperThreshold      = 10
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	if now == nil {
		now = time.Now
	}
	return &metricsCollector{
		now:             now,
		authWindow:      defaultAuthFailureWindow,
		authThreshold:   defaultAuthFailureThreshold,
		tamperWindow:    defaultTamperWindow,
		tamperThreshold: defaultTamperThreshold,
		alertFn:         alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event audit.Event) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case audit.EventCredentialsRejected, audit.EventOTKRejected:
		m.record(&m.authFailures, m.authWindow, m.authThreshold,
			AlertAuthFailureSpike, "authentication failure rate exceeds threshold")
	case audit.EventDecryptFailure:
		m.record(&m.tampers, m.tamperWindow, m.tamperThreshold,
			AlertTamperSpike, "decryption failure rate exceeds threshold")
	}
}

func (m *metricsCollector) record(window *[]time.Time, span time.Duration, threshold int, kind AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	*window = append(*window, now)
	*window = trimWindow(*window, now, span)

	var alert *AlertEvent
	if len(*window) >= threshold {
		alert = &AlertEvent{
			Type:      kind,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		*window = (*window)[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
