package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/audit"
	"github.com/jmcleod/devicegate/credential"
	"github.com/jmcleod/devicegate/mfa"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// RegisterDevice handles POST /devices/register.
func (a *API) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterDeviceRequest](w, r)
	if !ok {
		return
	}
	if req.DeviceID == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "deviceId and secret are required")
		return
	}
	if err := a.svc.Credentials.Register(req.DeviceID, req.Secret, req.Metadata); err != nil {
		a.audit.log(r, audit.EventRegistrationFailed, req.DeviceID, "", err.Error())
		mapError(w, err)
		return
	}
	a.audit.log(r, audit.EventDeviceRegistered, req.DeviceID, "", "")
	writeJSON(w, http.StatusCreated, RegisterDeviceResponse{Success: true, DeviceID: req.DeviceID})
}

// InitiateAuth handles POST /auth/initiate.
func (a *API) InitiateAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[InitiateRequest](w, r)
	if !ok {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	if blocked, retryAfter := a.failures.check(lockoutKey(r, req.DeviceID)); blocked {
		a.audit.log(r, audit.EventRateLimited, req.DeviceID, "", "device locked out")
		writeRateLimited(w, retryAfter, "too many failed attempts; try again later")
		return
	}
	sessionID, err := a.svc.Sessions.Initiate(req.DeviceID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(r, audit.EventAuthInitiated, req.DeviceID, sessionID, "")
	writeJSON(w, http.StatusOK, InitiateResponse{Success: true, SessionID: sessionID})
}

// sessionDevice resolves the device behind a handshake request and applies
// the per-device lockout. It writes the response and returns false when the
// request must stop.
func (a *API) sessionDevice(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return "", false
	}
	deviceID, ok := a.svc.Sessions.DeviceID(sessionID)
	if !ok {
		mapError(w, mfa.ErrInvalidSession)
		return "", false
	}
	if blocked, retryAfter := a.failures.check(lockoutKey(r, deviceID)); blocked {
		a.audit.log(r, audit.EventRateLimited, deviceID, sessionID, "device locked out")
		writeRateLimited(w, retryAfter, "too many failed attempts; try again later")
		return "", false
	}
	return deviceID, true
}

// ValidateCredentials handles POST /auth/validate-credentials.
func (a *API) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ValidateCredentialsRequest](w, r)
	if !ok {
		return
	}
	deviceID, ok := a.sessionDevice(w, r, req.SessionID)
	if !ok {
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}

	otk, err := a.svc.Sessions.ValidateCredentials(req.SessionID, req.Secret)
	if err != nil {
		if errors.Is(err, mfa.ErrInvalidCredential) {
			a.failures.recordFailure(lockoutKey(r, deviceID))
			a.audit.log(r, audit.EventCredentialsRejected, deviceID, req.SessionID, "")
		}
		mapError(w, err)
		return
	}
	a.audit.log(r, audit.EventCredentialsAccepted, deviceID, req.SessionID, "")
	writeJSON(w, http.StatusOK, ValidateCredentialsResponse{Success: true, OTK: otk})
}

// ValidateOTK handles POST /auth/validate-otk. On success the session key
// is bound in the channel so the device's traffic can be decrypted.
func (a *API) ValidateOTK(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ValidateOTKRequest](w, r)
	if !ok {
		return
	}
	deviceID, ok := a.sessionDevice(w, r, req.SessionID)
	if !ok {
		return
	}
	if req.OTK == "" {
		writeError(w, http.StatusBadRequest, "otk is required")
		return
	}

	grant, err := a.svc.Sessions.ValidateOTK(req.SessionID, req.OTK)
	if err != nil {
		if errors.Is(err, mfa.ErrInvalidOneTimeKey) {
			a.failures.recordFailure(lockoutKey(r, deviceID))
			a.audit.log(r, audit.EventOTKRejected, deviceID, req.SessionID, "")
		}
		mapError(w, err)
		return
	}
	if err := a.svc.Keys.Bind(grant.DeviceID, grant.SessionID, grant.SessionKey); err != nil {
		a.logger.Error("binding session key failed", zap.String("device_id", deviceID), zap.Error(err))
		mapError(w, err)
		return
	}
	a.failures.recordSuccess(lockoutKey(r, deviceID))
	a.audit.log(r, audit.EventOTKAccepted, deviceID, req.SessionID, "")
	writeJSON(w, http.StatusOK, ValidateOTKResponse{
		Success:       true,
		Authenticated: true,
		SessionKey:    grant.SessionKey,
		ExpiresAt:     grant.ExpiresAt,
	})
}

// DeviceStatus handles GET /devices/{deviceID}/status. Devices never seen
// report status "unknown".
func (a *API) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := credential.ValidateDeviceID(deviceID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Heartbeats.Status(deviceID))
}

// LookupKey handles GET /devices/{targetID}/key for an authenticated
// requester.
func (a *API) LookupKey(w http.ResponseWriter, r *http.Request) {
	requester, sessionID := requesterFromContext(r.Context())
	target := chi.URLParam(r, "targetID")

	key, err := a.svc.Keys.SessionKey(target)
	if err != nil {
		a.audit.log(r, audit.EventKeyLookupDenied, requester, sessionID, fmt.Sprintf("target=%s: %v", target, err))
		mapError(w, err)
		return
	}
	a.audit.log(r, audit.EventKeyLookup, requester, sessionID, "target="+target)
	writeJSON(w, http.StatusOK, KeyResponse{Success: true, DeviceID: target, Key: key})
}

// ListAudit handles GET /audit. A device may read only its own entries.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFromContext(r.Context())
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		deviceID = requester
	}
	if deviceID != requester {
		writeError(w, http.StatusForbidden, "devices may only read their own audit entries")
		return
	}

	entries, err := a.svc.Trail.List(deviceID, 0)
	if err != nil {
		a.logger.Error("listing audit entries failed", zap.Error(err))
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(entries), limit, offset)
	writeJSON(w, http.StatusOK, AuditResponse{
		Success:        true,
		Entries:        entries[start:end],
		PaginationMeta: meta,
	})
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	w.Write(openapiSpec)
}

// parsePagination reads "limit" and "offset". Missing or invalid values
// fall back to defaults; limit is capped at maxPageLimit.
func parsePagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()

	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, maxPageLimit)

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// paginateSlice returns the bounds of one page of totalCount items.
func paginateSlice(totalCount, limit, offset int) (start, end int, meta PaginationMeta) {
	start = min(offset, totalCount)
	end = min(start+limit, totalCount)
	meta = PaginationMeta{
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < totalCount,
	}
	return start, end, meta
}
