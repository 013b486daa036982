package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/camlink/internal/middleware"
	"github.com/mossy-p/camlink/internal/negotiator"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// eventClient is one websocket subscriber of participant events.
type eventClient struct {
	id     string
	conn   *websocket.Conn
	events <-chan negotiator.Event
	cancel context.CancelFunc
	logger zerolog.Logger
}

// HandleEvents upgrades to a websocket and streams every participant event
// as JSON until the client goes away.
func (h *Handler) HandleEvents(c *gin.Context) {
	// subscribed before the handshake, and outliving the request context
	ctx, cancel := context.WithCancel(context.Background())
	events := h.participant.Subscribe(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &eventClient{
		id:     uuid.NewString(),
		conn:   conn,
		events: events,
		cancel: cancel,
	}
	client.logger = h.logger.With().
		Str("subscriber", client.id).
		Str("user_id", c.GetString(middleware.UserIDKey)).
		Logger()

	client.logger.Info().Msg("Event subscriber connected")

	go client.writePump()
	go client.readPump()
}

// readPump only watches for the close frame and keeps the deadline fresh.
func (c *eventClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.logger.Info().Msg("Event subscriber disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev.Message())
			if err != nil {
				c.logger.Error().Err(err).Msg("Failed to marshal event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to write event")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
