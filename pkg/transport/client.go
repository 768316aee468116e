// Package transport exchanges job requests with the remote processing service.
//
// Outcomes fall into three domains:
//   - a *Response with status processing or completed
//   - a *Response with status error (the service rejected the job)
//   - a *TransportError (no usable response was obtained)
package transport

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
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/pkg/settings"
)

const (
	// DefaultEndpointPath is appended to the base URL for every exchange.
	DefaultEndpointPath = "/process"

	// DefaultTimeout bounds a single exchange.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxResponseBytes caps how much of a reply body is read.
	DefaultMaxResponseBytes = 64 << 20

	// RequestIDHeader carries a per-exchange id for correlating with
	// server-side logs.
	RequestIDHeader = "X-Request-ID"
)

// Config controls the HTTP exchange.
type Config struct {
	// EndpointPath is joined to the base URL. Default "/process".
	EndpointPath string

	// Timeout bounds a single request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// MaxResponseBytes caps reply bodies. Zero uses DefaultMaxResponseBytes.
	MaxResponseBytes int64

	// UserAgent is sent on every request when non-empty.
	UserAgent string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EndpointPath:     DefaultEndpointPath,
		Timeout:          DefaultTimeout,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client sends Requests to the processing endpoint.
type Client struct {
	settings settings.Provider
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
}

// New creates a Client. The base URL is resolved from provider on every call.
func New(provider settings.Provider, cfg Config, opts ...Option) *Client {
	if strings.TrimSpace(cfg.EndpointPath) == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}

	c := &Client{
		settings: provider,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the URL the next Process call would POST to.
func (c *Client) Endpoint(ctx context.Context) (string, error) {
	if c.settings == nil {
		return "", errNoProvider
	}
	base, err := c.settings.BaseURL(ctx)
	if err != nil {
		return "", err
	}
	return base + c.cfg.EndpointPath, nil
}

// Process performs one request/response exchange.
func (c *Client) Process(ctx context.Context, req Request) (*Response, error) {
	endpoint, err := c.Endpoint(ctx)
	if err != nil {
		return nil, &TransportError{Op: OpResolveEndpoint, Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Op: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Op: "read response", StatusCode: statusIfError(resp.StatusCode), Err: err}
	}
	if int64(len(data)) > c.cfg.MaxResponseBytes {
		return nil, &TransportError{Op: "read response", Err: fmt.Errorf("response exceeds %d bytes", c.cfg.MaxResponseBytes)}
	}

	c.logger.Debug("Remote exchange",
		zap.String("request_id", requestID),
		zap.String("sha256", req.SHA256),
		zap.Bool("has_content", req.HasContent),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return nil, &TransportError{
			Op:         "exchange",
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(eb.ErrorDetail),
			Err:        fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode),
		}
	}

	return decodeResponse(data)
}

func decodeResponse(data []byte) (*Response, error) {
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Op: "decode response", Err: err}
	}
	if !out.Status.Valid() {
		return nil, &TransportError{Op: "decode response", Err: fmt.Errorf("%w: %q", ErrUnknownStatus, out.Status)}
	}
	if out.Status == StatusCompleted && out.Result == nil {
		return nil, &TransportError{Op: "decode response", Err: ErrMissingResult}
	}
	return &out, nil
}

func statusIfError(code int) int {
	if code >= 200 && code <= 299 {
		return 0
	}
	return code
}

var errNoProvider = errors.New("transport has no settings provider")
