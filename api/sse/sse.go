// Package sse streams rotation notifications published on the cache pub/sub
// channel to HTTP clients as server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/rotation/notify"
	"go.uber.org/zap"
)

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	channel   string
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a Handler relaying the given notification channel.
func NewHandler(pubsub cache.PubSub, channel string, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, channel: channel, keepalive: 30 * time.Second, logger: logger}
}

// ServeSSE handles GET /api/admin/notifications/stream[?user_id=N].
// Each envelope is sent as an event named after its kind; user_id limits
// the stream to one recipient. Meant for a gateway that fans out to players.
func (h *Handler) ServeSSE(c *gin.Context) {
	var only int64
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		only = id
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, h.channel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			var env notify.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("sse dropped malformed envelope", zap.Error(err))
				continue
			}
			if only != 0 && env.UserID != only {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", env.Kind, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
