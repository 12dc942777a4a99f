package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventWriteTimeout = 10 * time.Second
	pingInterval      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleSessionEvents upgrades the connection and streams broadcast
// events for one code space. A client reconnecting after a gap passes
// its last seen timestamp as ?after= and receives the missed events
// from the durable catch-up list before the live feed starts.
func (h *httpHandler) handleSessionEvents(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}
	topic := codeSpace.String()

	var after int64
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after_timestamp"})
			return
		}
		after = parsed
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("code_space", topic), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before catch-up so events arriving during the replay
	// are buffered rather than lost.
	events, unsubscribe := h.broadcaster.Registry().Subscribe(ctx, topic)
	defer unsubscribe()

	if after > 0 {
		missed, pollErr := h.broadcaster.Poll(ctx, topic, after)
		if pollErr != nil {
			h.logger.Warn("broadcast catch-up poll failed",
				zap.String("code_space", topic), zap.Error(pollErr))
		}
		for _, event := range missed {
			if writeErr := h.writeEvent(conn, event); writeErr != nil {
				return
			}
		}
	}

	// Drain the read side so close frames terminate the stream.
	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if writeErr := h.writeEvent(conn, event); writeErr != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(eventWriteTimeout)
			if pingErr := conn.WriteControl(websocket.PingMessage, nil, deadline); pingErr != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeEvent(conn *websocket.Conn, event any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
