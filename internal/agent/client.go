package agent

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

	"github.com/draftdesk/licensing/pkg/licensing"
)

// AuthorityClient is the Local License Agent's view of the License
// Authority. Implementations must be safe for concurrent use.
type AuthorityClient interface {
	Activate(ctx context.Context, key, email, name, machineID string) (*licensing.License, error)
	Verify(ctx context.Context, key, machineID string) (VerifyOutcome, error)
	Deactivate(ctx context.Context, key, machineID string) (int, error)
	StartTrial(ctx context.Context, email, name, machineID string) (*licensing.License, error)
}

// VerifyOutcome mirrors the Authority's verification response. An invalid
// outcome is a definitive server answer, not a transport failure.
type VerifyOutcome struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

const defaultRequestTimeout = 10 * time.Second

// HTTPAuthorityClient talks to the License Authority over HTTP. Transport
// failures surface as ErrNetworkUnavailable so callers can fall back to the
// local cache.
type HTTPAuthorityClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPAuthorityClient creates a client for the Authority at baseURL.
func NewHTTPAuthorityClient(baseURL string) *HTTPAuthorityClient {
	return &HTTPAuthorityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

type activatePayload struct {
	Key       string `json:"key"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	MachineID string `json:"machineId"`
}

type licensePayload struct {
	Success bool               `json:"success"`
	License *licensing.License `json:"license"`
}

// Activate binds this machine to the license key, or re-confirms an
// existing binding.
func (c *HTTPAuthorityClient) Activate(ctx context.Context, key, email, name, machineID string) (*licensing.License, error) {
	var resp licensePayload
	err := c.post(ctx, "/api/activate", activatePayload{
		Key:       key,
		Email:     email,
		Name:      name,
		MachineID: machineID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.License == nil {
		return nil, errors.New("activation response contained no license")
	}
	return resp.License, nil
}

type verifyPayload struct {
	Key       string `json:"key"`
	MachineID string `json:"machineId"`
}

// Verify asks the Authority whether the key is still valid for this
// machine. Logical failures come back as outcomes; only transport and
// server faults are errors.
func (c *HTTPAuthorityClient) Verify(ctx context.Context, key, machineID string) (VerifyOutcome, error) {
	var resp VerifyOutcome
	err := c.post(ctx, "/api/verify", verifyPayload{Key: key, MachineID: machineID}, &resp)
	if err != nil {
		return VerifyOutcome{}, err
	}
	return resp, nil
}

type deactivatePayload struct {
	LicenseKey string `json:"licenseKey"`
	MachineID  string `json:"machineId"`
}

type deactivateResult struct {
	Success              bool `json:"success"`
	RemainingActivations int  `json:"remainingActivations"`
}

// Deactivate frees this machine's seat and returns the number of
// activations still bound.
func (c *HTTPAuthorityClient) Deactivate(ctx context.Context, key, machineID string) (int, error) {
	var resp deactivateResult
	if err := c.post(ctx, "/api/deactivate-license", deactivatePayload{LicenseKey: key, MachineID: machineID}, &resp); err != nil {
		return 0, err
	}
	return resp.RemainingActivations, nil
}

type trialPayload struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	MachineID string `json:"machineId"`
}

// StartTrial requests a server-issued trial license for this machine.
func (c *HTTPAuthorityClient) StartTrial(ctx context.Context, email, name, machineID string) (*licensing.License, error) {
	var resp licensePayload
	err := c.post(ctx, "/api/trial", trialPayload{Email: email, Name: name, MachineID: machineID}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.License == nil {
		return nil, errors.New("trial response contained no license")
	}
	return resp.License, nil
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPAuthorityClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", licensing.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", licensing.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.mapError(path, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// mapError turns Authority HTTP failures into domain sentinels. A 409 means
// different things per endpoint, so the path disambiguates.
func (c *HTTPAuthorityClient) mapError(path string, status int, body []byte) error {
	var apiErr errorPayload
	_ = json.Unmarshal(body, &apiErr)

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", licensing.ErrInvalidKey, apiErr.Code)
	case http.StatusGone:
		return licensing.ErrExpired
	case http.StatusConflict:
		if path == "/api/trial" || apiErr.Code == "trial_already_used" {
			return licensing.ErrTrialAlreadyUsed
		}
		return licensing.ErrSeatLimitReached
	case http.StatusUnauthorized:
		return licensing.ErrUnauthorized
	}
	if status >= 500 {
		return fmt.Errorf("%w: server returned %d", licensing.ErrNetworkUnavailable, status)
	}
	if apiErr.Message != "" {
		return fmt.Errorf("authority rejected %s: %s", path, apiErr.Message)
	}
	return fmt.Errorf("authority rejected %s with status %d", path, status)
}
