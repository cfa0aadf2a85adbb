// Package client talks to the trace recording service: it lists and fetches
// recorded traces and streams replayed or live event frames.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/ongoingai/traceview/internal/correlation"
	"github.com/ongoingai/traceview/internal/pathutil"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/version"
)

// ErrNotFound matches upstream 404 responses via errors.Is.
var ErrNotFound = errors.New("upstream resource not found")

const (
	defaultTimeout       = 15 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 250 * time.Millisecond
	maxErrorBodyBytes    = 4 << 10
)

// APIError is returned for non-2xx upstream responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: upstream returned %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether repeating the request could succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Options struct {
	BaseURL string
	// Timeout bounds non-streaming requests. Streams run until the upstream
	// closes them or the caller's context ends.
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxFrameBytes int
	Transport     http.RoundTripper
	Logger        *slog.Logger
}

// RunRequest starts a new agent run on the recording service.
type RunRequest struct {
	Task      string   `json:"task"`
	Root      string   `json:"root"`
	Provider  string   `json:"provider"`
	AllowNet  bool     `json:"allow_net"`
	Plugins   []string `json:"plugins"`
	RequestID string   `json:"request_id,omitempty"`
}

// Normalize fills the defaults the recording service applies.
func (r RunRequest) Normalize() RunRequest {
	r.Task = strings.TrimSpace(r.Task)
	if strings.TrimSpace(r.Root) == "" {
		r.Root = "."
	}
	if strings.TrimSpace(r.Provider) == "" {
		r.Provider = "heuristic"
	}
	if r.Plugins == nil {
		r.Plugins = []string{}
	}
	return r
}

type Client struct {
	base          string
	http          *http.Client
	timeout       time.Duration
	retryAttempts uint
	retryDelay    time.Duration
	frameOptions  trace.DecoderOptions
	logger        *slog.Logger
}

func New(options Options) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(options.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url %q must use http or https", options.BaseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("upstream base url %q is missing a host", options.BaseURL)
	}
	prefix := pathutil.NormalizePrefix(parsed.Path)
	if prefix == "/" {
		prefix = ""
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := options.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := options.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base: parsed.Scheme + "://" + parsed.Host + prefix,
		http: &http.Client{
			Transport: correlation.Transport{Base: options.Transport},
		},
		timeout:       timeout,
		retryAttempts: uint(attempts),
		retryDelay:    delay,
		frameOptions:  trace.DecoderOptions{MaxFrameBytes: options.MaxFrameBytes},
		logger:        logger,
	}, nil
}

// BaseURL returns the normalized upstream root.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) ListManifests(ctx context.Context) ([]trace.Manifest, error) {
	var manifests []trace.Manifest
	if err := c.getJSON(ctx, "/api/traces", &manifests); err != nil {
		return nil, err
	}
	if manifests == nil {
		manifests = []trace.Manifest{}
	}
	return manifests, nil
}

func (c *Client) GetManifest(ctx context.Context, traceID string) (trace.Manifest, error) {
	var manifest trace.Manifest
	if err := c.getJSON(ctx, pathutil.Join("/api/traces", traceID), &manifest); err != nil {
		return trace.Manifest{}, err
	}
	if manifest.TraceID == "" {
		manifest.TraceID = traceID
	}
	return manifest, nil
}

func (c *Client) GetEvents(ctx context.Context, traceID string) ([]trace.Event, error) {
	var events []trace.Event
	if err := c.getJSON(ctx, pathutil.Join("/api/traces", traceID, "events"), &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []trace.Event{}
	}
	return events, nil
}

func (c *Client) ListProviders(ctx context.Context) ([]string, error) {
	var providers []string
	if err := c.getJSON(ctx, "/api/providers", &providers); err != nil {
		return nil, err
	}
	if providers == nil {
		providers = []string{}
	}
	return providers, nil
}

// Replay asks the recording service to re-emit a stored trace and pushes
// each decoded event to sink in stream order.
func (c *Client) Replay(ctx context.Context, traceID string, sink trace.Sink) error {
	return c.stream(ctx, pathutil.Join("/api/replay", traceID), nil, sink)
}

// Run starts a live agent run and pushes each decoded event to sink as it
// arrives. Cancelling ctx closes the stream.
func (c *Client) Run(ctx context.Context, request RunRequest, sink trace.Sink) error {
	body, err := trace.MarshalJSON(request.Normalize())
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	return c.stream(ctx, "/api/run", body, sink)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var body []byte
	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+path, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", version.UserAgent())

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("GET %s: %w", path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return responseError(http.MethodGet, path, resp)
			}
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read %s response: %w", path, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && isRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("upstream request failed, retrying", "path", path, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	if err := trace.UnmarshalJSON(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) stream(ctx context.Context, path string, payload []byte, sink trace.Sink) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(http.MethodPost, path, resp)
	}
	if err := trace.DecodeStream(resp.Body, c.frameOptions, sink); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return nil
}

func responseError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
