package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/webphone/internal/control"
	"github.com/dennisdiepolder/monti/webphone/internal/phone"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// APIError is a non-2xx answer from the control API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webphone API: %d %s", e.StatusCode, e.Message)
}

// Client provides interface to the webphone control API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new webphone client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status retrieves connectivity and phone state
func (c *Client) Status(ctx context.Context) (*control.StatusResponse, error) {
	var status control.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Call places an outbound call
func (c *Client) Call(ctx context.Context, target string) (*types.CallSummary, error) {
	var summary types.CallSummary
	if err := c.do(ctx, http.MethodPost, "/api/calls", map[string]string{"target": target}, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Answer accepts the ringing call
func (c *Client) Answer(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "answer", nil)
}

// End hangs up, cancels or rejects the active call
func (c *Client) End(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "end", nil)
}

func (c *Client) Mute(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "mute", nil)
}

func (c *Client) Unmute(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "unmute", nil)
}

func (c *Client) Hold(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "hold", nil)
}

func (c *Client) Unhold(ctx context.Context) (*phone.Status, error) {
	return c.control(ctx, "unhold", nil)
}

// SendDTMF sends one tone on the active call
func (c *Client) SendDTMF(ctx context.Context, tone string) (*phone.Status, error) {
	return c.control(ctx, "dtmf", map[string]string{"tone": tone})
}

// Transfer blind-transfers the active call to target
func (c *Client) Transfer(ctx context.Context, target string) (*phone.Status, error) {
	return c.control(ctx, "transfer", map[string]string{"target": target})
}

// Subscriptions lists the change-feed subscriptions held by the phone
func (c *Client) Subscriptions(ctx context.Context) ([]string, error) {
	var body struct {
		Subscriptions []string `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/subscriptions", nil, &body); err != nil {
		return nil, err
	}
	return body.Subscriptions, nil
}

// Reconnect clears a forced stop and restarts both channels
func (c *Client) Reconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/reconnect", nil, nil)
}

// Audit fetches the latest audit records, newest first. limit <= 0 uses the
// server default.
func (c *Client) Audit(ctx context.Context, limit int) ([]types.AuditRecord, error) {
	path := "/api/audit"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var records []types.AuditRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) control(ctx context.Context, action string, body any) (*phone.Status, error) {
	var status phone.Status
	if err := c.do(ctx, http.MethodPost, "/api/calls/"+action, body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
