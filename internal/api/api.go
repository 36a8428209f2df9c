// Package api serves the REST side of the chat: durable message writes,
// conversation history and presence.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Presence lists the identities currently connected to the relay.
// *server.Relay satisfies it.
type Presence interface {
	Online() []string
}

type handler struct {
	store    store.Store
	presence Presence
	logger   *zap.Logger
}

// NewHandler returns the API routes mounted under /api. presence may be nil,
// in which case /api/presence is not served.
func NewHandler(messages store.Store, presence Presence, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	h := &handler{store: messages, presence: presence, logger: logger}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	api := r.Group("/api")
	api.POST("/messages", h.createMessage)
	api.GET("/messages", h.listMessages)
	if presence != nil {
		api.GET("/presence", h.online)
	}
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *handler) createMessage(c *gin.Context) {
	var msg store.NewMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	stored, err := h.store.CreateMessage(c.Request.Context(), msg)
	if err != nil {
		h.fail(c, "create message", err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *handler) listMessages(c *gin.Context) {
	q := store.Query{
		UserID:  c.Query("userId"),
		PeerID:  c.Query("peerId"),
		GroupID: c.Query("groupId"),
	}
	messages, err := h.store.ListMessages(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (h *handler) online(c *gin.Context) {
	online := h.presence.Online()
	if online == nil {
		online = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

func (h *handler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
