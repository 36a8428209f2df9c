package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send while no relay connection is up.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrRetriesExhausted is returned by Run when the retry policy gives up.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// RetryPolicy decides how long to wait before each reconnect attempt.
// Multiplier values above 1 grow the delay exponentially up to MaxDelay.
// MaxAttempts bounds consecutive failed attempts; zero retries forever.
type RetryPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// FixedRetry waits delay before every attempt.
func FixedRetry(delay time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Delay: delay, MaxAttempts: maxAttempts}
}

// ExponentialRetry doubles the delay after every failed attempt, capped at
// maxDelay.
func ExponentialRetry(initial, maxDelay time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Delay: initial, MaxDelay: maxDelay, Multiplier: 2, MaxAttempts: maxAttempts}
}

// DefaultRetryPolicy reconnects forever, backing off from 500ms to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialRetry(500*time.Millisecond, 30*time.Second, 0)
}

// Next returns the delay before attempt (starting at 1), and false when no
// further attempt should be made.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	delay := p.Delay
	if p.Multiplier > 1 {
		delay = time.Duration(float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1)))
		if delay <= 0 {
			delay = p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

// ConnConfig describes how to reach the relay.
type ConnConfig struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Identity is announced in the auth envelope after every connect.
	Identity string
	// Token, when set, is passed as the token query parameter.
	Token string
	// Origin is sent with the handshake when set.
	Origin string
	Retry  RetryPolicy
	// WriteTimeout bounds each frame write; zero means 10s.
	WriteTimeout time.Duration
}

// ConnOption customizes a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the connection's logger.
func WithConnLogger(logger *zap.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// WithConnClock sets the clock driving reconnect timers.
func WithConnClock(clk clock.Clock) ConnOption {
	return func(c *Conn) { c.clock = clk }
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) { c.dialer = d }
}

// WithOnConnect registers fn to run after every successful connect and
// auth, for example to rehydrate the open conversation.
func WithOnConnect(fn func()) ConnOption {
	return func(c *Conn) { c.onConnect = fn }
}

// Conn is a relay connection that authenticates on every connect and
// reconnects after unexpected closes. Envelopes are passed to the handler on
// the goroutine running Run.
type Conn struct {
	cfg       ConnConfig
	handler   func(envelope.Envelope)
	onConnect func()
	dialer    *websocket.Dialer
	logger    *zap.Logger
	clock     clock.Clock

	mu sync.Mutex
	ws *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn creates a Conn. Call Run to connect.
func NewConn(cfg ConnConfig, handler func(envelope.Envelope), opts ...ConnOption) *Conn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	c := &Conn{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  zap.NewNop(),
		clock:   clock.New(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.logger = c.logger.With(zap.String("identity", cfg.Identity))
	return c
}

// Connected reports whether a relay connection is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes env to the relay.
func (c *Conn) Send(env envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.writeLocked(c.ws, payload)
}

func (c *Conn) writeLocked(ws *websocket.Conn, payload []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Close stops Run and closes the current connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Run connects and serves the relay connection until ctx is cancelled, Close
// is called, or the retry policy gives up. It returns nil after Close.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return c.stopReason(ctx)
		}
		if connected {
			attempt = 0
		}
		attempt++

		delay, ok := c.cfg.Retry.Next(attempt)
		if !ok {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt-1, err)
		}
		c.logger.Warn("relay connection lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := c.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.stopReason(ctx)
		}
	}
}

func (c *Conn) stopReason(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
		return ctx.Err()
	}
}

// session dials, authenticates and reads until the connection fails.
// connected reports whether the auth envelope was sent.
func (c *Conn) session(ctx context.Context) (connected bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial relay: %w (status %s)", err, resp.Status)
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}

	auth, err := envelope.Encode(envelope.Envelope{Kind: envelope.KindAuth, SenderID: c.cfg.Identity})
	if err != nil {
		_ = ws.Close()
		return false, err
	}
	c.mu.Lock()
	err = c.writeLocked(ws, auth)
	if err == nil {
		c.ws = ws
	}
	c.mu.Unlock()
	if err != nil {
		_ = ws.Close()
		return false, fmt.Errorf("send auth: %w", err)
	}

	c.logger.Info("connected to relay", zap.String("url", c.cfg.URL))
	if c.onConnect != nil {
		c.onConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.mu.Unlock()
			_ = ws.Close()
		case <-stop:
		}
	}()

	err = c.readLoop(ws)

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	_ = ws.Close()
	return true, err
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring malformed envelope from relay", zap.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler(env)
		}
	}
}

func (c *Conn) dialURL() (string, error) {
	if c.cfg.Token == "" {
		return c.cfg.URL, nil
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
