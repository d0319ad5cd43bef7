package reporter

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleetsync/pkg/fleet"
	"fleetsync/pkg/telemetry"
)

const statusPath = "/api/status"

// ErrNoEndpoints is returned when no valid delivery endpoint is configured.
var ErrNoEndpoints = errors.New("no delivery endpoints configured")

// EngineConfig configures the delivery engine.
type EngineConfig struct {
	Mode      fleet.Mode
	LocalURL  string
	RemoteURL string
	ServerURL string
	Token     string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Attempts       int
	RetryDelay     time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
}

// Endpoint is one destination for status reports.
type Endpoint struct {
	Name  string
	URL   string
	Local bool
}

// EndpointResult is the outcome of delivering to one endpoint.
type EndpointResult struct {
	Endpoint   Endpoint
	Attempts   int
	StatusCode int
	Err        error
}

// OK reports whether the endpoint accepted the report.
func (r EndpointResult) OK() bool { return r.Err == nil }

// DeliveryResult aggregates one report delivery across every endpoint.
type DeliveryResult struct {
	Report  fleet.StatusReport
	Results []EndpointResult
}

// OK is true when at least one endpoint accepted the report.
func (r DeliveryResult) OK() bool {
	for _, res := range r.Results {
		if res.OK() {
			return true
		}
	}
	return false
}

// Err summarises a failed delivery, or returns nil when OK.
func (r DeliveryResult) Err() error {
	if r.OK() {
		return nil
	}
	if len(r.Results) == 0 {
		return ErrNoEndpoints
	}
	errs := make([]error, 0, len(r.Results))
	for _, res := range r.Results {
		errs = append(errs, fmt.Errorf("%s: %w", res.Endpoint.Name, res.Err))
	}
	return errors.Join(errs...)
}

// ResolveEndpoints derives delivery endpoints from the fleet mode. Invalid or
// missing URLs are returned as errors alongside the endpoints that are valid.
func ResolveEndpoints(cfg EngineConfig) ([]Endpoint, []error) {
	var (
		endpoints []Endpoint
		errs      []error
	)
	// detect marks the endpoint local when its host is a loopback address.
	add := func(name, raw string, local, detect bool) {
		target, err := statusURL(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s endpoint: %w", name, err))
			return
		}
		endpoints = append(endpoints, Endpoint{
			Name:  name,
			URL:   target.String(),
			Local: local || (detect && isLoopbackHost(target.Hostname())),
		})
	}

	switch cfg.Mode {
	case fleet.ModeStandalone:
		add("local", cfg.LocalURL, true, false)
	case fleet.ModeClient:
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			errs = append(errs, errors.New("client mode requires a remote url"))
			break
		}
		add("remote", cfg.RemoteURL, false, false)
	case fleet.ModeHybrid:
		add("local", cfg.LocalURL, true, false)
		if strings.TrimSpace(cfg.RemoteURL) != "" {
			add("remote", cfg.RemoteURL, false, false)
		}
	default:
		if strings.TrimSpace(cfg.ServerURL) != "" {
			add("server", cfg.ServerURL, false, true)
		} else {
			add("local", cfg.LocalURL, true, false)
		}
	}
	return endpoints, errs
}

func statusURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), statusPath) {
		u.Path = strings.TrimRight(u.Path, "/") + statusPath
	}
	return u, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Engine delivers status reports to every resolved endpoint.
type Engine struct {
	cfg        EngineConfig
	endpoints  []Endpoint
	configErrs []error
	client     *http.Client
	logger     zerolog.Logger
	metrics    *Metrics

	configOnce sync.Once
}

// NewEngine resolves endpoints and builds the HTTP client. Configuration
// errors are kept and logged on the first Send.
func NewEngine(cfg EngineConfig, logger zerolog.Logger, metrics *Metrics) *Engine {
	cfg.applyDefaults()
	endpoints, errs := ResolveEndpoints(cfg)

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Engine{
		cfg:        cfg,
		endpoints:  endpoints,
		configErrs: errs,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: telemetry.Transport(transport),
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Endpoints returns the resolved endpoints.
func (e *Engine) Endpoints() []Endpoint {
	return append([]Endpoint(nil), e.endpoints...)
}

// Send delivers the report to all endpoints concurrently. A failing endpoint
// never prevents delivery to the others.
func (e *Engine) Send(ctx context.Context, report fleet.StatusReport) DeliveryResult {
	e.configOnce.Do(func() {
		for _, err := range e.configErrs {
			e.logger.Error().Err(err).Msg("delivery configuration error")
		}
	})

	result := DeliveryResult{Report: report, Results: make([]EndpointResult, len(e.endpoints))}
	if len(e.endpoints) == 0 {
		return result
	}

	body, err := json.Marshal(report)
	if err != nil {
		for i, ep := range e.endpoints {
			result.Results[i] = EndpointResult{Endpoint: ep, Err: fmt.Errorf("encode report: %w", err)}
		}
		return result
	}

	var g errgroup.Group
	for i, ep := range e.endpoints {
		g.Go(func() error {
			result.Results[i] = e.deliver(ctx, ep, body)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range result.Results {
		event := e.logger.Info()
		msg := "report delivered"
		if !res.OK() {
			event = e.logger.Warn().Err(res.Err)
			msg = "report delivery failed"
		}
		event.
			Str("endpoint", res.Endpoint.Name).
			Str("url", res.Endpoint.URL).
			Str("machine_id", report.Machine.MachineID).
			Int("attempts", res.Attempts).
			Int("status", res.StatusCode).
			Msg(msg)
	}
	return result
}

func (e *Engine) deliver(ctx context.Context, ep Endpoint, body []byte) EndpointResult {
	res := EndpointResult{Endpoint: ep}

	operation := func() (int, error) {
		res.Attempts++
		status, err := e.post(ctx, ep, body)
		if err != nil {
			e.metrics.attempt(ep.Name, "failure")
			if ctx.Err() != nil {
				return status, backoff.Permanent(err)
			}
			return status, err
		}
		e.metrics.attempt(ep.Name, "success")
		return status, nil
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(e.cfg.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug().Err(err).Str("endpoint", ep.Name).Dur("retry_in", next).Msg("retrying delivery")
		}),
	)
	res.StatusCode = status
	res.Err = err
	return res
}

func (e *Engine) post(ctx context.Context, ep Endpoint, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !ep.Local && e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
