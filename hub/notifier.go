package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"schoolchat/logging"
)

const (
	// DefaultPath is the hub endpoint relative to the backend root.
	DefaultPath = "/chatHub"

	defaultMaxRetries       = 8
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultKeepAlive        = 15 * time.Second
	defaultServerTimeout    = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 64
)

// ErrNotConnected is returned by operations that need a live hub connection.
var ErrNotConnected = errors.New("hub is not connected")

// State describes the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed means reconnect attempts were exhausted. Connect starts over.
	StateFailed State = "failed"
)

// TokenSource supplies the bearer token. It is read again on every attempt.
type TokenSource interface {
	Token() (string, error)
}

// Options configures a Notifier.
type Options struct {
	BaseURL string
	Path    string
	Tokens  TokenSource

	// InsecureTLS disables certificate validation. Debug builds only.
	InsecureTLS bool

	// MaxRetries bounds consecutive failed reconnect attempts.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	HandshakeTimeout  time.Duration

	// QueueSize bounds each subscriber queue; overflowing events are dropped.
	QueueSize int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = defaultKeepAlive
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = defaultServerTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Notifier holds one long-lived hub connection and fans push events out to
// subscribers.
type Notifier struct {
	options Options
	baseURL *url.URL
	logger  *zap.Logger

	httpClient *http.Client
	dialer     *websocket.Dialer

	mu      sync.Mutex
	state   State
	changed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	subMu  sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewNotifier validates options and builds an idle Notifier.
func NewNotifier(options Options) (*Notifier, error) {
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

	options = options.withDefaults()

	var tlsConfig *tls.Config
	if options.InsecureTLS {
		tlsConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // debug backends use self-signed certificates
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Notifier{
		options:    options,
		baseURL:    baseURL,
		logger:     logging.OrNop(options.Logger).Named("hub"),
		httpClient: &http.Client{Transport: transport, Timeout: options.HandshakeTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: options.HandshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		state:   StateDisconnected,
		changed: make(chan struct{}),
		subs:    make(map[uint64]*Subscription),
	}, nil
}

// State returns the current connection state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Notifier) setState(state State) {
	n.mu.Lock()
	previous := n.setStateLocked(state)
	n.mu.Unlock()

	if previous != state {
		n.logger.Debug("hub state changed", zap.String("from", string(previous)), zap.String("to", string(state)))
	}
}

func (n *Notifier) setStateLocked(state State) State {
	previous := n.state
	if previous != state {
		n.state = state
		close(n.changed)
		n.changed = make(chan struct{})
	}
	return previous
}

// WaitConnected blocks until the hub is connected. It returns ErrNotConnected
// when no connection loop is running or reconnects were exhausted.
func (n *Notifier) WaitConnected(ctx context.Context) error {
	for {
		n.mu.Lock()
		state, changed := n.state, n.changed
		n.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateDisconnected, StateFailed:
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Connect starts the background connection loop. It returns immediately;
// failures are logged and retried, never returned. Calling Connect while a
// loop is running is a no-op.
func (n *Notifier) Connect() {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.cancel = cancel
	n.done = done
	n.setStateLocked(StateConnecting)
	n.mu.Unlock()

	go n.run(ctx, cancel, done)
}

// Disconnect stops the loop and closes the connection. It is safe to call
// repeatedly and before any Connect.
func (n *Notifier) Disconnect() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.done = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	n.setState(StateDisconnected)
}

func (n *Notifier) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	// final is published together with releasing the loop so a caller that
	// observes it can Connect again straight away.
	var final State
	defer func() {
		n.mu.Lock()
		if n.done == done {
			n.cancel = nil
			n.done = nil
			if final != "" {
				n.setStateLocked(final)
			}
		}
		n.mu.Unlock()
		cancel()
		close(done)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.options.InitialBackoff
	policy.MaxInterval = n.options.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0.5
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(n.options.MaxRetries)), ctx)
	retries.Reset()

	for {
		conn, err := n.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("hub connect failed", zap.Error(err))
		} else {
			n.setState(StateConnected)
			n.logger.Info("hub connected")

			connectedAt := time.Now()
			allowReconnect, serveErr := n.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			// Only a connection that survived a keepalive interval earns a
			// fresh retry budget; accept-then-drop cycles keep counting.
			if time.Since(connectedAt) >= n.options.KeepAliveInterval {
				retries.Reset()
			}
			if !allowReconnect {
				n.logger.Info("hub closed by server", zap.Error(serveErr))
				final = StateDisconnected
				return
			}
			n.logger.Warn("hub connection lost", zap.Error(serveErr))
		}

		delay := retries.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() == nil {
				n.logger.Error("hub reconnect attempts exhausted", zap.Int("max_retries", n.options.MaxRetries))
				final = StateFailed
			}
			return
		}
		n.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// open negotiates, dials and completes the protocol handshake.
func (n *Notifier) open(ctx context.Context) (*websocket.Conn, error) {
	token := ""
	if n.options.Tokens != nil {
		var err error
		token, err = n.options.Tokens.Token()
		if err != nil {
			n.logger.Debug("connecting without bearer token", zap.Error(err))
			token = ""
		}
	}

	negotiated, err := n.negotiate(ctx, token)
	if err != nil {
		return nil, err
	}

	endpoint, err := n.socketURL(negotiated, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := n.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	if err := n.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (n *Notifier) negotiate(ctx context.Context, token string) (negotiateResponse, error) {
	endpoint := *n.baseURL
	endpoint.Path = strings.TrimRight(n.baseURL.Path, "/") + n.options.Path + "/negotiate"
	endpoint.RawQuery = url.Values{"negotiateVersion": {"1"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("build negotiate request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return negotiateResponse{}, fmt.Errorf("negotiate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var negotiated negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&negotiated); err != nil {
		return negotiateResponse{}, fmt.Errorf("decode negotiate response: %w", err)
	}
	if negotiated.Error != "" {
		return negotiateResponse{}, fmt.Errorf("negotiate: %s", negotiated.Error)
	}
	return negotiated, nil
}

func (n *Notifier) socketURL(negotiated negotiateResponse, token string) (string, error) {
	target := *n.baseURL
	target.Path = strings.TrimRight(n.baseURL.Path, "/") + n.options.Path
	if negotiated.URL != "" {
		redirected, err := url.Parse(negotiated.URL)
		if err != nil {
			return "", fmt.Errorf("parse redirect URL: %w", err)
		}
		target = *redirected
		if negotiated.AccessToken != "" {
			token = negotiated.AccessToken
		}
	}

	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	case "http":
		target.Scheme = "ws"
	}

	query := target.Query()
	id := negotiated.ConnectionToken
	if id == "" {
		id = negotiated.ConnectionID
	}
	if id != "" {
		query.Set("id", id)
	}
	if token != "" {
		query.Set("access_token", token)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (n *Notifier) handshake(conn *websocket.Conn) error {
	request, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(n.options.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(n.options.HandshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	records, err := splitRecords(frame)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if len(records) == 0 {
		return errors.New("read handshake: empty response")
	}

	var response handshakeResponse
	if err := json.Unmarshal(records[0], &response); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if response.Error != "" {
		return fmt.Errorf("handshake rejected: %s", response.Error)
	}

	// Messages may ride in the same frame as the handshake response.
	for _, record := range records[1:] {
		n.handleRecord(record)
	}
	return nil
}

// serve reads until the connection ends. allowReconnect is false only when the
// server closed the connection and asked the client not to come back.
func (n *Notifier) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.keepAlive(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		_ = conn.Close()
		wg.Wait()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(n.options.ServerTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read hub frame: %w", err)
		}

		records, err := splitRecords(frame)
		if err != nil {
			n.logger.Warn("dropping malformed hub frame", zap.Error(err))
			continue
		}
		for _, record := range records {
			if closed, allowReconnect, reason := n.handleRecord(record); closed {
				if reason != "" {
					return allowReconnect, fmt.Errorf("server closed hub: %s", reason)
				}
				return allowReconnect, errors.New("server closed hub")
			}
		}
	}
}

// keepAlive sends pings and closes the socket when ctx ends so the reader
// unblocks.
func (n *Notifier) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ping, err := encodeRecord(hubMessage{Type: typePing})
	if err != nil {
		n.logger.Error("encode ping", zap.Error(err))
		return
	}

	ticker := time.NewTicker(n.options.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(n.options.HandshakeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				n.logger.Debug("hub ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// handleRecord dispatches one record and reports a server close request.
func (n *Notifier) handleRecord(record []byte) (closed, allowReconnect bool, reason string) {
	msg, err := decodeMessage(record)
	if err != nil {
		n.logger.Warn("dropping malformed hub record", zap.Error(err))
		return false, false, ""
	}

	switch msg.Type {
	case typeInvocation:
		event, ok, err := decodeEvent(msg)
		if err != nil {
			n.logger.Warn("dropping malformed hub event", zap.String("target", msg.Target), zap.Error(err))
			return false, false, ""
		}
		if !ok {
			n.logger.Debug("ignoring hub invocation", zap.String("target", msg.Target))
			return false, false, ""
		}
		n.dispatch(event)
	case typePing:
	case typeClose:
		return true, msg.AllowReconnect, msg.Error
	default:
		n.logger.Debug("ignoring hub message", zap.Int("type", msg.Type))
	}
	return false, false, ""
}
