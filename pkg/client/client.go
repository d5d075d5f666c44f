package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Errors matched with errors.Is against every failed call.
var (
	ErrUnreachable  = errors.New("daemon unreachable")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrConfig       = errors.New("config error")
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == "not_found"
	case ErrInvalidState:
		return e.Kind == "invalid_state"
	case ErrConfig:
		return e.Kind == "config"
	}
	return false
}

// Client talks to the appvisor daemon's HTTP control surface.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9615/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new appvisor API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// following logs has no deadline
		stream: &http.Client{},
	}
}

// BaseURL builds the control surface URL for a listen address and base path.
func BaseURL(listen, basePath string) string {
	return "http://" + listen + basePath
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h)
	return h, err
}

// Start starts an app (all replicas) or a single instance.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, nil, nil)
}

// Stop stops an app or instance. wait overrides the kill timeout when > 0.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) error {
	q := url.Values{"name": {name}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil, nil)
}

func (c *Client) Restart(ctx context.Context, name string, reset bool) error {
	q := url.Values{"name": {name}}
	if reset {
		q.Set("reset", "true")
	}
	return c.do(ctx, http.MethodPost, "/restart", q, nil, nil)
}

func (c *Client) Reset(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/reset", url.Values{"name": {name}}, nil, nil)
}

// Status returns every instance when name is empty.
func (c *Client) Status(ctx context.Context, name string) ([]Status, error) {
	var q url.Values
	if name != "" {
		q = url.Values{"name": {name}}
	}
	var out []Status
	err := c.do(ctx, http.MethodGet, "/status", q, nil, &out)
	return out, err
}

// Apply asks the daemon to load the ecosystem file at path (absolute) and
// start its apps.
func (c *Client) Apply(ctx context.Context, path string) ([]string, error) {
	var resp applyResponse
	if err := c.do(ctx, http.MethodPost, "/apply", nil, applyRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Apps, nil
}

func (c *Client) Logs(ctx context.Context, req LogsRequest) (Logs, error) {
	var out Logs
	err := c.do(ctx, http.MethodGet, "/logs", logsQuery(req, false), nil, &out)
	return out, err
}

// Follow prints the last req.Lines lines and then every new line to fn
// until ctx is cancelled or the daemon closes the stream.
func (c *Client) Follow(ctx context.Context, req LogsRequest, fn func(line string)) error {
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/logs", logsQuery(req, true), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func logsQuery(req LogsRequest, follow bool) url.Values {
	q := url.Values{"name": {req.Name}}
	if req.Lines > 0 {
		q.Set("lines", strconv.Itoa(req.Lines))
	}
	if req.Error {
		q.Set("stream", "error")
	}
	if follow {
		q.Set("follow", "true")
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.send(ctx, c.client, method, path, q, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and turns transport failures and non-2xx
// answers into errors. The caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, q url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		apiErr := &APIError{Status: resp.StatusCode}
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			apiErr.Kind, apiErr.Message = er.Kind, er.Error
		}
		c.logger.Debug("daemon request failed", "method", method, "url", u, "status", resp.StatusCode, "kind", apiErr.Kind)
		return nil, apiErr
	}
	return resp, nil
}
