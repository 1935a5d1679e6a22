package api

import (
	"time"

	"github.com/jmcleod/devicegate/audit"
)

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RegisterDeviceRequest is the JSON body for POST /devices/register.
type RegisterDeviceRequest struct {
	DeviceID string         `json:"deviceId"`
	Secret   string         `json:"secret"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterDeviceResponse is returned from POST /devices/register.
type RegisterDeviceResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
}

// InitiateRequest is the JSON body for POST /auth/initiate.
type InitiateRequest struct {
	DeviceID string `json:"deviceId"`
}

// InitiateResponse is returned from POST /auth/initiate.
type InitiateResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// ValidateCredentialsRequest is the JSON body for POST /auth/validate-credentials.
type ValidateCredentialsRequest struct {
	SessionID string `json:"sessionId"`
	Secret    string `json:"secret"`
}

// ValidateCredentialsResponse carries the one-time key. Delivering it inline
// assumes the bootstrap channel is already confidential.
type ValidateCredentialsResponse struct {
	Success bool   `json:"success"`
	OTK     string `json:"otk"`
}

// ValidateOTKRequest is the JSON body for POST /auth/validate-otk.
type ValidateOTKRequest struct {
	SessionID string `json:"sessionId"`
	OTK       string `json:"otk"`
}

// ValidateOTKResponse is returned once both factors have passed.
type ValidateOTKResponse struct {
	Success       bool      `json:"success"`
	Authenticated bool      `json:"authenticated"`
	SessionKey    string    `json:"sessionKey"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// KeyResponse is returned from GET /devices/{targetId}/key.
type KeyResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
	Key      string `json:"key"`
}

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// AuditResponse is returned from GET /audit.
type AuditResponse struct {
	Success bool          `json:"success"`
	Entries []audit.Entry `json:"entries"`
	PaginationMeta
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
