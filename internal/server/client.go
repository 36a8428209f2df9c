// Package server manages individual WebSocket clients, handling read/write
// pumps, the auth state machine, rate limiting, and lifecycle control for
// each connection.
package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one relay connection. identity and state are owned by the read
// pump goroutine; other goroutines only call Send.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	relay       *Relay
	addr        string
	verified    string
	identity    string
	state       State
	rateLimiter *rateLimiter
	logger      *zap.Logger
}

// newClient creates a Client for an upgraded connection. verified is the
// identity established by the handshake authenticator, empty when the relay
// trusts auth envelopes verbatim.
func newClient(conn *websocket.Conn, relay *Relay, addr, verified string) *Client {
	cfg := relay.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		relay:       relay,
		addr:        addr,
		verified:    verified,
		state:       StateConnecting,
		rateLimiter: newRateLimiter(relay.clock, cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger:      relay.logger.With(zap.String("conn_id", id), zap.String("remote", addr)),
	}
}

// ID returns the connection's unique id.
func (c *Client) ID() string {
	return c.id
}

// Send queues an encoded envelope for the write pump without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// close signals both pumps to stop. Safe to call from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.relay.cfg.IdleTimeout)); err != nil {
		c.logger.Debug("error setting read deadline", zap.Error(err))
	}
}

// setupReadConnection configures the idle deadline and pong handler.
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.relay.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", zap.String("identity", c.identity), zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", zap.String("identity", c.identity), zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.String("identity", c.identity), zap.Error(err))
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			zap.Int("burst", c.relay.cfg.RateLimit.Burst),
			zap.Duration("interval", c.relay.cfg.RateLimit.RefillInterval))
		c.relay.metrics.recordDrop(dropRateLimited)
		return false
	}
	return true
}

// processMessage decodes one frame and advances the connection's state
// machine. It returns false when the connection must be closed.
func (c *Client) processMessage(raw []byte) bool {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping malformed envelope", zap.Error(err))
		c.relay.metrics.recordDrop(dropMalformed)
		return true
	}
	c.relay.metrics.recordReceived(string(env.Kind))

	if env.Kind == envelope.KindAuth {
		return c.authenticate(env.SenderID)
	}

	if c.state != StateAuthenticated {
		c.relay.metrics.recordDrop(dropUnauthenticated)
		if c.relay.cfg.CloseUnauthenticated {
			c.logger.Warn("closing connection", zap.Error(ErrUnauthenticated), zap.String("kind", string(env.Kind)))
			return false
		}
		c.logger.Warn("dropping envelope", zap.Error(ErrUnauthenticated), zap.String("kind", string(env.Kind)))
		return true
	}

	if env.SenderID != c.identity {
		c.logger.Warn("dropping envelope",
			zap.Error(ErrSpoofedSender),
			zap.String("identity", c.identity),
			zap.String("claimed", env.SenderID))
		c.relay.metrics.recordDrop(dropSpoofed)
		return true
	}

	c.relay.dispatch(c, env)
	return true
}

// authenticate binds identity to this connection. A handshake-verified
// identity must match the claim; a mismatch closes the connection.
func (c *Client) authenticate(identity string) bool {
	if c.verified != "" && identity != c.verified {
		c.logger.Warn("auth rejected: identity does not match token",
			zap.String("claimed", identity),
			zap.String("verified", c.verified))
		c.relay.metrics.recordAuth("rejected")
		return false
	}

	if c.state == StateAuthenticated {
		if identity == c.identity {
			return true
		}
		c.relay.release(c)
	}

	c.identity = identity
	c.state = StateAuthenticated
	c.relay.bind(c)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.relay.release(c)
		c.state = StateClosed
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.extendReadDeadline()

		if !c.checkRateLimit() {
			continue
		}

		if !c.processMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.relay.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in writePump", zap.Error(err))
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeMessages(message)
	case <-ticker.C:
		return c.writeControl(websocket.PingMessage, nil)
	case <-c.done:
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return false
	case <-c.relay.ctx.Done():
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		return false
	}
}

// writeMessages writes message and then whatever else is already queued,
// one envelope per frame.
func (c *Client) writeMessages(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}
	for n := len(c.send); n > 0; n-- {
		if !c.writeFrame(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.relay.cfg.WriteTimeout)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writeControl sends a ping or close frame.
func (c *Client) writeControl(messageType int, data []byte) bool {
	deadline := time.Now().Add(c.relay.cfg.WriteTimeout)
	if err := c.conn.WriteControl(messageType, data, deadline); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing control frame", zap.Int("type", messageType), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) String() string {
	return fmt.Sprintf("client %s (%s)", c.id, c.addr)
}
