package kanban

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

	"github.com/cenkalti/backoff/v5"

	"fleetsync/pkg/telemetry"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL        string
	Token          string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Attempts       int
	RetryDelay     time.Duration
}

// Client talks to a kanban Server over HTTP.
type Client struct {
	base       *url.URL
	token      string
	http       *http.Client
	attempts   int
	retryDelay time.Duration
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse kanban url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid kanban url %q", cfg.BaseURL)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		IdleConnTimeout:     90 * time.Second,
	}

	token := cfg.Token
	if isLoopback(base.Hostname()) {
		token = ""
	}

	return &Client{
		base:       base,
		token:      token,
		http:       &http.Client{Timeout: cfg.RequestTimeout, Transport: telemetry.Transport(transport)},
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Pull fetches the server's copy of a board.
func (c *Client) Pull(ctx context.Context, id string) (Board, error) {
	var board Board
	if err := c.do(ctx, http.MethodGet, "/api/kanban/"+url.PathEscape(id), nil, &board); err != nil {
		return Board{}, fmt.Errorf("pull board %s: %w", id, err)
	}
	if board.ID == "" {
		board.ID = id
	}
	if board.Items == nil {
		board.Items = []Item{}
	}
	return board, nil
}

// Push submits a board and returns the server's reconciliation.
func (c *Client) Push(ctx context.Context, board Board, force bool) (MergeResult, error) {
	path := "/api/kanban/" + url.PathEscape(board.ID)
	if force {
		path += "?force=true"
	}
	var result MergeResult
	if err := c.do(ctx, http.MethodPost, path, board, &result); err != nil {
		return MergeResult{}, fmt.Errorf("push board %s: %w", board.ID, err)
	}
	return result, nil
}

// List returns the board ids known to the server.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp struct {
		Boards []string `json:"boards"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/kanban", nil, &resp); err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	return resp.Boards, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	target := c.base.String() + path

	operation := func() (struct{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
			if resp.StatusCode < 500 {
				return struct{}{}, backoff.Permanent(serr)
			}
			return struct{}{}, serr
		}
		if out == nil {
			return struct{}{}, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(uint(c.attempts)),
	)
	return err
}

// StatusCode extracts the HTTP status from a client error, or 0.
func StatusCode(err error) int {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code
	}
	return 0
}
