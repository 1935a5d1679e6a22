package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/audit"
)

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event     string            `json:"event"`
	DeviceID  string            `json:"device_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func entryWebhookEvent(e audit.Entry) webhookEvent {
	attrs := map[string]string{
		"seq":  strconv.FormatUint(e.Seq, 10),
		"hash": e.Hash,
	}
	if e.Detail != "" {
		attrs["detail"] = e.Detail
	}
	return webhookEvent{
		Event:     string(e.Event),
		DeviceID:  e.DeviceID,
		SessionID: e.SessionID,
		Timestamp: e.CreatedAt,
		Attrs:     attrs,
	}
}

func alertWebhookEvent(e AlertEvent) webhookEvent {
	return webhookEvent{
		Event:     "alert." + string(e.Type),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Attrs: map[string]string{
			"message":   e.Message,
			"count":     strconv.Itoa(e.Count),
			"threshold": strconv.Itoa(e.Threshold),
		},
	}
}

// auditWebhook dispatches events to an external HTTP endpoint. Events are
// enqueued without blocking into a bounded channel and sent by a background
// goroutine. If the channel is full, events are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	events     chan webhookEvent
	wg         sync.WaitGroup
	logger     *zap.Logger
	closeOnce  sync.Once
	retryDelay time.Duration
}

func newAuditWebhook(url, authHeader string, logger *zap.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
		logger:     logger.With(zap.String("component", "audit_webhook")),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue adds an event to the dispatch queue without blocking.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	defer func() {
		// Sending after close drops the event.
		_ = recover()
	}()
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", zap.String("event", evt.Event))
	}
}

// close stops the dispatcher after draining queued events.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
	})
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on 5xx or transport errors.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", zap.Error(err))
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "devicegate-audit-webhook/1.0")

		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		default:
			w.logger.Warn("client error", zap.Int("status", resp.StatusCode))
			return
		}
	}
}
