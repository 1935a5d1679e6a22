package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/mfa"
)

func newTestWebhook(url, authHeader string) *auditWebhook {
	w := newAuditWebhook(url, authHeader, zap.NewNop())
	w.retryDelay = 10 * time.Millisecond
	return w
}

func TestWebhook_DeliversAuditEntry(t *testing.T) {
	var mu sync.Mutex
	var received webhookEvent
	var contentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(entryWebhookEvent(audit.Entry{
		Seq:       7,
		Event:     audit.EventOTKRejected,
		DeviceID:  "dev1",
		SessionID: "sid-1",
		CreatedAt: "2026-01-01T00:00:00Z",
		Hash:      "abc",
	}))
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "otk_rejected", received.Event)
	assert.Equal(t, "dev1", received.DeviceID)
	assert.Equal(t, "sid-1", received.SessionID)
	assert.Equal(t, "7", received.Attrs["seq"])
	assert.Equal(t, "abc", received.Attrs["hash"])
}

func TestWebhook_AlertPayload(t *testing.T) {
	evt := alertWebhookEvent(AlertEvent{
		Type:      AlertTamperSpike,
		Message:   "decryption failure rate exceeds threshold",
		Count:     10,
		Threshold: 10,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "alert.tamper_spike", evt.Event)
	assert.Equal(t, "10", evt.Attrs["count"])
	assert.Equal(t, "2026-01-01T00:00:00Z", evt.Timestamp)
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_AuthHeader(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.enqueue(webhookEvent{Event: "test_event"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
}

func TestWebhook_DrainsOnCloseAndIgnoresLateEvents(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	for i := 0; i < 5; i++ {
		wh.enqueue(webhookEvent{Event: "drain_test"})
	}
	wh.close()
	wh.close()
	wh.enqueue(webhookEvent{Event: "late"})

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := &auditWebhook{
		url:    srv.URL,
		client: &http.Client{Timeout: 100 * time.Millisecond},
		events: make(chan webhookEvent, 2),
		logger: zap.NewNop(),
	}
	wh.wg.Add(1)
	go wh.loop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			wh.enqueue(webhookEvent{Event: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}

func TestAPIForwardsAuditToWebhook(t *testing.T) {
	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		events = append(events, evt.Event)
		mu.Unlock()
	}))
	defer srv.Close()

	a := New(Services{}, WithAuditWebhook(srv.URL, ""))
	a.RecordSessionExpired(auditTestSession())
	a.audit.close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSessionExpired), events[0])
}

func auditTestSession() mfa.Session {
	return mfa.Session{ID: "sid-9", DeviceID: "dev9"}
}
