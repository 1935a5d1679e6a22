package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmcleod/devicegate/audit"
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	sessionIDKey
)

const maxBodySize = 16 << 10

// SessionAuth admits requests carrying "Authorization: Bearer <sessionId>"
// for an authenticated session and stores the requesting device on the
// request context.
func (a *API) SessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := bearerToken(r)
		if !ok {
			a.audit.log(r, audit.EventKeyLookupDenied, "", "", "missing bearer token")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		deviceID, known := a.svc.Sessions.DeviceID(sessionID)
		if !known || !a.svc.Sessions.IsAuthenticated(sessionID) {
			a.audit.log(r, audit.EventKeyLookupDenied, deviceID, sessionID, "session not authenticated")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func requesterFromContext(ctx context.Context) (deviceID, sessionID string) {
	deviceID, _ = ctx.Value(deviceIDKey).(string)
	sessionID, _ = ctx.Value(sessionIDKey).(string)
	return deviceID, sessionID
}

// decodeJSON reads a bounded JSON body into T, writing a 400 on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return v, false
	}
	return v, true
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
