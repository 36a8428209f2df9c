// Package server coordinates identity binding, envelope routing and
// connection cleanup for the relay via the Relay type.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/groups"
	"github.com/Tyrowin/relaychat/internal/registry"
	"github.com/Tyrowin/relaychat/internal/router"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// resolveTimeout bounds group membership lookups per envelope.
const resolveTimeout = 5 * time.Second

// Relay owns the identity registry and every live connection. Each
// connection runs its own read and write pump; the registry is the only
// state they share.
type Relay struct {
	cfg      Config
	registry *registry.Registry[*Client]
	router   *router.Router[*Client]
	auth     Authenticator
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *relayMetrics
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.RWMutex
	stopped   bool
	wg        sync.WaitGroup
}

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithAuthenticator requires every handshake to pass a.
func WithAuthenticator(a Authenticator) Option {
	return func(r *Relay) { r.auth = a }
}

// WithMetrics registers relay metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Relay) { r.metrics = newRelayMetrics(reg) }
}

// WithClock replaces the clock used for rate limiting.
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) { r.clock = clk }
}

// NewRelay creates a Relay routing group envelopes through resolver.
func NewRelay(cfg Config, resolver groups.Resolver, opts ...Option) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      sanitizeConfig(cfg),
		registry: registry.New[*Client](),
		logger:   zap.NewNop(),
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.clock == nil {
		r.clock = clock.New()
	}

	r.router = router.New[*Client](r.registry, resolver, r.logger)
	r.origins = newOriginPolicy(r.cfg.AllowedOrigins, r.logger)
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.origins.checkOrigin,
	}
	return r
}

// Registry exposes the identity registry.
func (r *Relay) Registry() *registry.Registry[*Client] {
	return r.registry
}

// Online returns the identities currently reachable, sorted.
func (r *Relay) Online() []string {
	return r.registry.Snapshot()
}

// ServeHTTP upgrades GET requests to WebSocket connections and starts their
// pumps. When an Authenticator is configured the handshake must pass it.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var verified string
	if r.auth != nil {
		identity, err := r.auth.Authenticate(req)
		if err != nil {
			r.logger.Warn("handshake rejected", zap.String("remote", req.RemoteAddr), zap.Error(err))
			r.metrics.recordAuth("handshake_rejected")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		verified = identity
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", zap.String("remote", req.RemoteAddr), zap.Error(err))
		return
	}

	r.Serve(conn, req.RemoteAddr, verified)
}

// Serve takes ownership of an upgraded connection. It returns nil and closes
// conn when the relay is shutting down.
func (r *Relay) Serve(conn *websocket.Conn, addr, verified string) *Client {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()

	if r.stopped {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}

	client := newClient(conn, r, addr, verified)
	r.metrics.connOpened()
	client.logger.Debug("connection accepted")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		client.writePump()
	}()
	go func() {
		defer r.wg.Done()
		defer r.metrics.connClosed()
		client.readPump()
	}()
	return client
}

// bind registers an authenticated client under its identity.
func (r *Relay) bind(c *Client) {
	previous, replaced := r.registry.Register(c.identity, c)
	r.metrics.setOnline(r.registry.Len())

	if !replaced {
		r.metrics.recordAuth("accepted")
		c.logger.Info("client authenticated", zap.String("identity", c.identity))
		return
	}

	r.metrics.recordAuth("replaced")
	c.logger.Info("client authenticated, replacing previous connection",
		zap.String("identity", c.identity),
		zap.String("previous_conn_id", previous.id))
	if r.cfg.CloseReplaced {
		previous.close()
	}
}

// release unregisters an authenticated client. Called from the client's
// read pump on exit and before re-binding to another identity.
func (r *Relay) release(c *Client) {
	if c.state != StateAuthenticated {
		return
	}
	if r.registry.Unregister(c.identity, c) {
		c.logger.Info("client unregistered", zap.String("identity", c.identity))
	}
	r.metrics.setOnline(r.registry.Len())
}

// dispatch routes env from sender and enqueues it to every target. Failures
// on one target never affect the others or the sender.
func (r *Relay) dispatch(sender *Client, env envelope.Envelope) {
	start := r.clock.Now()
	kind := string(env.Kind)

	ctx, cancel := context.WithTimeout(r.ctx, resolveTimeout)
	deliveries, err := r.router.Route(ctx, env)
	cancel()
	if err != nil {
		reason := dropUnroutable
		if errors.Is(err, router.ErrResolveGroup) {
			reason = dropGroup
		}
		sender.logger.Warn("dropping envelope", zap.String("kind", kind), zap.Error(err))
		r.metrics.recordDrop(reason)
		return
	}

	payload, err := envelope.Encode(env)
	if err != nil {
		sender.logger.Error("re-encoding decoded envelope failed", zap.Error(err))
		r.metrics.recordDrop(dropMalformed)
		return
	}

	for _, d := range deliveries {
		if err := d.Conn.Send(payload); err != nil {
			cause := "closed"
			if errors.Is(err, ErrSendBufferFull) {
				cause = "buffer_full"
			}
			sender.logger.Warn("delivery failed",
				zap.String("kind", kind),
				zap.String("target", d.Target),
				zap.Error(errors.Join(ErrSendFailed, err)))
			r.metrics.recordSendFailure(cause)
			continue
		}
		r.metrics.recordDelivery(kind, d.Echo)
	}

	sender.logger.Debug("envelope routed",
		zap.String("kind", kind),
		zap.String("message_id", env.MessageID),
		zap.Int("deliveries", len(deliveries)))
	r.metrics.observeRoute(kind, r.clock.Since(start))
}

// Shutdown closes every connection and waits for their pumps to finish, or
// until the timeout is reached.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.logger.Info("initiating relay shutdown")

	r.lifecycle.Lock()
	r.stopped = true
	r.lifecycle.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("relay shutdown completed")
		return nil
	case <-time.After(timeout):
		r.logger.Warn("relay shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}
