package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetsync/pkg/fleet"
	"fleetsync/pkg/telemetry"
)

// Client queries a registry over HTTP.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a Client for the registry at baseURL. token is sent as a
// bearer credential unless the registry is on a loopback address.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); strings.EqualFold(host, "localhost") || (ip != nil && ip.IsLoopback()) {
		token = ""
	}
	return &Client{
		base:  u.String(),
		token: token,
		http:  &http.Client{Timeout: timeout, Transport: telemetry.Transport(nil)},
	}, nil
}

// Machines lists every machine.
func (c *Client) Machines(ctx context.Context) ([]MachineView, error) {
	var resp struct {
		Machines []MachineView `json:"machines"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/machines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Machines, nil
}

// Machine fetches one machine by id or hostname.
func (c *Client) Machine(ctx context.Context, name string) (MachineDetail, error) {
	var detail MachineDetail
	err := c.do(ctx, http.MethodGet, "/api/machines/"+url.PathEscape(name), nil, &detail)
	return detail, err
}

// FleetStatus fetches the aggregate fleet view.
func (c *Client) FleetStatus(ctx context.Context) (FleetStatus, error) {
	var status FleetStatus
	err := c.do(ctx, http.MethodGet, "/api/fleet/status", nil, &status)
	return status, err
}

// Register submits report through manual registration.
func (c *Client) Register(ctx context.Context, report fleet.StatusReport) error {
	return c.do(ctx, http.MethodPost, "/api/register", report, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(errors.New("decode response"), err)
	}
	return nil
}
