package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/devicegate/api"
	"github.com/jmcleod/devicegate/heartbeat"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Grant is the outcome of a completed handshake.
type Grant struct {
	SessionID  string
	SessionKey string
	ExpiresAt  time.Time
}

// Client calls the devicegate HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// uses a client with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Register enrolls a device credential.
func (c *Client) Register(ctx context.Context, deviceID, secret string, metadata map[string]any) error {
	return c.do(ctx, http.MethodPost, "/devices/register", "", api.RegisterDeviceRequest{
		DeviceID: deviceID, Secret: secret, Metadata: metadata,
	}, nil)
}

// Authenticate runs the three-step handshake.
func (c *Client) Authenticate(ctx context.Context, deviceID, secret string) (Grant, error) {
	var initResp api.InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/auth/initiate", "", api.InitiateRequest{DeviceID: deviceID}, &initResp); err != nil {
		return Grant{}, fmt.Errorf("initiating: %w", err)
	}

	var credResp api.ValidateCredentialsResponse
	if err := c.do(ctx, http.MethodPost, "/auth/validate-credentials", "", api.ValidateCredentialsRequest{
		SessionID: initResp.SessionID, Secret: secret,
	}, &credResp); err != nil {
		return Grant{}, fmt.Errorf("validating credentials: %w", err)
	}

	var otkResp api.ValidateOTKResponse
	if err := c.do(ctx, http.MethodPost, "/auth/validate-otk", "", api.ValidateOTKRequest{
		SessionID: initResp.SessionID, OTK: credResp.OTK,
	}, &otkResp); err != nil {
		return Grant{}, fmt.Errorf("validating one-time key: %w", err)
	}
	if !otkResp.Authenticated || otkResp.SessionKey == "" {
		return Grant{}, errors.New("server did not issue a session key")
	}
	return Grant{
		SessionID:  initResp.SessionID,
		SessionKey: otkResp.SessionKey,
		ExpiresAt:  otkResp.ExpiresAt,
	}, nil
}

// FetchKey looks up the current session key of target on behalf of an
// authenticated session.
func (c *Client) FetchKey(ctx context.Context, sessionID, target string) (string, error) {
	var resp api.KeyResponse
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(target)+"/key", sessionID, nil, &resp); err != nil {
		return "", fmt.Errorf("fetching key for %s: %w", target, err)
	}
	return resp.Key, nil
}

// Status reads a device's liveness.
func (c *Client) Status(ctx context.Context, deviceID string) (heartbeat.DeviceStatus, error) {
	var st heartbeat.DeviceStatus
	err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/status", "", nil, &st)
	return st, err
}
