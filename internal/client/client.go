// Package client provides the client for communicating with the control plane.
package client

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

	"github.com/google/uuid"

	"github.com/shini4i/bandwhich-bridge/internal/control/protocol"
)

const (
	// DefaultTimeout for calls made without a deadline.
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 4 * 1024 * 1024
)

// ErrUnavailable is returned when the control plane cannot be reached.
var ErrUnavailable = errors.New("control plane not available")

// Error is a non-200 reply from the control plane.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("control plane returned status %d", e.Status)
	}
	return fmt.Sprintf("control plane returned %s (%d): %s", e.Code, e.Status, e.Message)
}

// Client calls the control plane over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the control plane at baseURL, e.g.
// "http://127.0.0.1:8421".
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: DefaultTimeout})
}

// NewWithHTTPClient creates a client using the given HTTP client.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the control plane address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the control plane answers.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, protocol.NewRequest(protocol.MethodPing))
	if err != nil {
		return err
	}
	if got := strings.TrimSpace(string(body)); got != protocol.Pong {
		return fmt.Errorf("unexpected ping reply %q", got)
	}
	return nil
}

// SetInterface (re)starts monitoring on iface.
func (c *Client) SetInterface(ctx context.Context, iface string) error {
	_, err := c.do(ctx, protocol.NewInterfaceRequest(iface))
	return err
}

// Limit applies the bandwidth limiter to app.
func (c *Client) Limit(ctx context.Context, app string) error {
	_, err := c.do(ctx, protocol.NewLimitRequest(app))
	return err
}

// Poll returns the programs observed so far, or stop once the monitor has
// shut down.
func (c *Client) Poll(ctx context.Context) (programs []string, stop bool, err error) {
	body, err := c.do(ctx, protocol.NewRequest(protocol.MethodPoll))
	if err != nil {
		return nil, false, err
	}
	return protocol.DecodePoll(body)
}

// Stop asks the control plane to shut the monitor down.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.do(ctx, protocol.NewRequest(protocol.MethodStop))
	return err
}

func (c *Client) do(ctx context.Context, req *protocol.Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(protocol.RequestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{Status: resp.StatusCode}
		if info, err := protocol.DecodeError(body); err == nil {
			apiErr.Code = info.Code
			apiErr.Message = info.Message
		}
		return nil, apiErr
	}

	return body, nil
}
