// Package license talks to the license server and caches the verified tier
// for the lifetime of a session.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
)

const (
	verifyPath     = "/api/license/verify"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10

	StatusActive = "active"
)

var (
	ErrVerifyFailed  = errors.New("license verification failed")
	ErrNotConfigured = errors.New("license server not configured")
)

// Request is the body sent to the verify endpoint.
type Request struct {
	CustomerID string `json:"customer_id"`
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version"`
}

// Verification is the server's answer.
type Verification struct {
	Tier         policy.Tier `json:"tier"`
	Status       string      `json:"status"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	LicenseToken string      `json:"license_token,omitempty"`
}

// Active reports whether the license is usable at now.
func (v Verification) Active(now time.Time) bool {
	if v.Status != StatusActive {
		return false
	}
	return v.ExpiresAt == nil || v.ExpiresAt.After(now)
}

// Effective returns the tier to enforce. Inactive, expired or unknown
// licenses yield an unranked tier, which only permits read tools.
func (v Verification) Effective(now time.Time) policy.Tier {
	if !v.Active(now) {
		return ""
	}
	tier, err := policy.ParseTier(string(v.Tier))
	if err != nil {
		return ""
	}
	return tier
}

// Client calls the license server.
type Client struct {
	baseURL    string
	appVersion string
	http       *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets a default
// with a request timeout.
func NewClient(baseURL, appVersion string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appVersion: appVersion,
		http:       httpClient,
	}
}

// Verify posts the customer and device to the server.
func (c *Client) Verify(ctx context.Context, customerID, deviceID string) (Verification, error) {
	if c == nil || c.baseURL == "" {
		return Verification{}, ErrNotConfigured
	}
	body, err := json.Marshal(Request{CustomerID: customerID, DeviceID: deviceID, AppVersion: c.appVersion})
	if err != nil {
		return Verification{}, fmt.Errorf("encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return Verification{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Verification{}, fmt.Errorf("%w: read response: %v", ErrVerifyFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verification{}, fmt.Errorf("%w: server returned %d: %s", ErrVerifyFailed, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var v Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verification{}, fmt.Errorf("%w: decode response: %v", ErrVerifyFailed, err)
	}
	if v.Status == "" {
		return Verification{}, fmt.Errorf("%w: response has no status", ErrVerifyFailed)
	}
	return v, nil
}
