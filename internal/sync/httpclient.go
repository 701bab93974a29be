package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// HTTPClient talks to the authoritative settings backend over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates an upstream client. Every call is bounded by
// timeout; token, when set, is sent as a bearer credential.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchSettings pulls the server's values and locks for deviceID.
func (c *HTTPClient) FetchSettings(ctx context.Context, deviceID string) (*device.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/devices/%s/settings", c.baseURL, url.PathEscape(deviceID)), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err, "fetch settings")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "fetch settings"); err != nil {
		return nil, err
	}

	var snap device.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode upstream settings: %w", err)
	}
	return &snap, nil
}

// PushSettings uploads local edits for deviceID.
func (c *HTTPClient) PushSettings(ctx context.Context, deviceID string, changes map[string]device.Value) error {
	body, err := json.Marshal(map[string]any{"settings": changes})
	if err != nil {
		return fmt.Errorf("failed to encode local edits: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/api/v1/devices/%s/settings", c.baseURL, url.PathEscape(deviceID)),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err, "push settings")
	}
	defer resp.Body.Close()

	return checkStatus(resp, "push settings")
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyTransport maps transport failures onto the error taxonomy so the
// reconciler can tell retryable failures from terminal ones.
func classifyTransport(err error, op string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return device.WrapError(device.ErrTimeout, err, "%s timed out", op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return device.WrapError(device.ErrTimeout, err, "%s timed out", op)
	}
	return device.WrapError(device.ErrNetwork, err, "%s failed", op)
}

func checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return device.NewError(device.ErrAuth, "%s rejected: %s", op, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return device.NewError(device.ErrNotFound, "%s: %s", op, resp.Status)
	case resp.StatusCode >= 500:
		return device.NewError(device.ErrNetwork, "%s failed upstream: %s", op, resp.Status)
	default:
		return device.NewError(device.ErrValidation, "%s rejected: %s", op, resp.Status)
	}
}
