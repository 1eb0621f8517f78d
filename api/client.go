package api

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"schoolchat/logging"
)

const (
	defaultTimeout            = 30 * time.Second
	defaultBreakerMaxFailures = 5
	defaultBreakerOpen        = 30 * time.Second

	// maxErrorBody bounds how much of a failure body is kept for display.
	maxErrorBody = 64 * 1024
)

// TokenSource supplies the bearer token for outbound calls.
type TokenSource interface {
	Token() (string, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Tokens  TokenSource

	// InsecureTLS disables certificate validation. Debug builds only.
	InsecureTLS bool
	Timeout     time.Duration

	// RequestsPerSecond throttles outbound calls; zero disables throttling.
	RequestsPerSecond float64

	BreakerMaxFailures int
	BreakerOpen        time.Duration

	// OnUnauthorized runs after any 401 response.
	OnUnauthorized func()

	Logger *zap.Logger
}

// Client is the shared backend client. The connection pool is kept across
// calls; the Authorization header is re-read from Tokens before each call.
type Client struct {
	options Options
	baseURL *url.URL
	logger  *zap.Logger
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker

	mu         sync.Mutex
	httpClient *http.Client
	transport  *http.Transport
	authHeader string
}

// New validates options and builds a Client.
func New(options Options) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme %q is not http(s)", baseURL.Scheme)
	}
	if options.Timeout <= 0 {
		options.Timeout = defaultTimeout
	}
	if options.BreakerMaxFailures <= 0 {
		options.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if options.BreakerOpen <= 0 {
		options.BreakerOpen = defaultBreakerOpen
	}

	logger := logging.OrNop(options.Logger).Named("api")

	client := &Client{
		options: options,
		baseURL: baseURL,
		logger:  logger,
	}
	if options.RequestsPerSecond > 0 {
		burst := int(options.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), burst)
	}

	maxFailures := uint32(options.BreakerMaxFailures)
	client.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     options.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return client, nil
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Acquire returns the pooled HTTP client, creating it on first use, and
// refreshes the Authorization header from the token source.
func (c *Client) Acquire() *http.Client {
	c.RefreshAuth()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		c.transport = c.newTransport()
		c.httpClient = &http.Client{
			Transport: breakerTransport{next: c.transport, breaker: c.breaker},
			Timeout:   c.options.Timeout,
		}
	}
	return c.httpClient
}

// RefreshAuth re-reads the token. A failed read leaves the client
// unauthenticated; the next call then observes a 401.
func (c *Client) RefreshAuth() {
	header := ""
	if c.options.Tokens != nil {
		token, err := c.options.Tokens.Token()
		if err != nil {
			c.logger.Debug("continuing without bearer token", zap.Error(err))
		} else if token != "" {
			header = "Bearer " + token
		}
	}

	c.mu.Lock()
	c.authHeader = header
	c.mu.Unlock()
}

// Reset disposes the pooled connections so no state from the previous session
// survives into the next one.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.transport = nil
	c.httpClient = nil
	c.authHeader = ""
}

func (c *Client) newTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if c.options.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // debug backends use self-signed certificates
	}
	return transport
}

func (c *Client) currentAuthHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authHeader
}

// URL resolves a path and optional query against the base URL.
func (c *Client) URL(path string, query url.Values) string {
	resolved := *c.baseURL
	resolved.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		resolved.RawQuery = query.Encode()
	}
	return resolved.String()
}

// Request describes one backend call.
type Request struct {
	Op          string
	Method      string
	Path        string
	Query       url.Values
	Body        io.Reader
	ContentType string
}

// Do performs req and returns the response when the status is 2xx. The caller
// closes the body. Non-success statuses are returned as *Error with the body
// text; a 401 additionally triggers OnUnauthorized.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}

	httpClient := c.Acquire()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, networkError(op, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req.Path, req.Query), req.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if auth := c.currentAuthHeader(); auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	started := time.Now()
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
		return nil, networkError(op, err)
	}

	c.logger.Debug("request completed",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && c.options.OnUnauthorized != nil {
		c.options.OnUnauthorized()
	}
	return nil, statusError(op, resp.StatusCode, body)
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	resp, err := c.Do(ctx, Request{Op: op, Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return DecodeJSON(op, resp.Body, out)
}

func (c *Client) sendJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	resp, err := c.Do(ctx, Request{Op: op, Method: method, Path: path, Body: body, ContentType: contentType})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return DecodeJSON(op, resp.Body, out)
}

// DecodeJSON decodes a success body into out. Failures are KindDecode.
func DecodeJSON(op string, body io.Reader, out any) error {
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return decodeError(op, errors.New("empty response body"))
		}
		return decodeError(op, err)
	}
	return nil
}

// ReadAll reads a success body. A broken stream is KindNetwork.
func ReadAll(op string, body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, networkError(op, err)
	}
	return data, nil
}

// breakerTransport counts transport failures and 5xx responses against the
// circuit breaker while still handing 5xx responses to the caller.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.TwoStepCircuitBreaker
}

func (t breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	done, err := t.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("backend unavailable: %w", err)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		// A canceled screen says nothing about backend health.
		done(errors.Is(err, context.Canceled))
		return nil, err
	}
	done(resp.StatusCode < 500)
	return resp, nil
}
