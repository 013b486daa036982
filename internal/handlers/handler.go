// Package handlers exposes the participant's public operations over HTTP and
// streams its events over a websocket.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/middleware"
	"github.com/mossy-p/camlink/internal/negotiator"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/rs/zerolog"
)

// Options configures a Handler.
type Options struct {
	Participant *negotiator.Participant
	Channel     signaling.Channel
	Source      media.Source
	Logger      zerolog.Logger

	// OnTrack receives every track an anchor is sent. Nil discards them.
	OnTrack func(negotiator.TrackEvent)
}

// Handler serves the HTTP surface of one participant.
type Handler struct {
	participant *negotiator.Participant
	channel     signaling.Channel
	source      media.Source
	onTrack     func(negotiator.TrackEvent)
	logger      zerolog.Logger
}

func New(opts Options) *Handler {
	onTrack := opts.OnTrack
	if onTrack == nil {
		onTrack = func(negotiator.TrackEvent) {}
	}
	return &Handler{
		participant: opts.Participant,
		channel:     opts.Channel,
		source:      opts.Source,
		onTrack:     onTrack,
		logger:      opts.Logger,
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router gin.IRouter, jwtSecret string) {
	auth := middleware.JWTAuth(jwtSecret)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(jwtSecret))

		api.POST("/rooms", auth, h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.DELETE("/rooms/:roomId", auth, h.DeleteRoom)
		api.POST("/rooms/:roomId/broadcast", auth, h.StartBroadcast)
		api.POST("/rooms/:roomId/monitor", auth, h.StartMonitor)

		api.PATCH("/peers/:peerId/controls", auth, h.UpdateControls)

		api.GET("/session", h.GetSession)
		api.DELETE("/session", auth, h.LeaveSession)
	}

	router.GET("/ws/events", auth, h.HandleEvents)
}

// errorStatus maps a core error onto an HTTP status.
func errorStatus(err error) int {
	var (
		hw *media.HardwareError
		ce *signaling.ChannelError
		ne *negotiator.NegotiationError
	)
	switch {
	case errors.Is(err, negotiator.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, negotiator.ErrNoRoom),
		errors.Is(err, negotiator.ErrUnknownPeer),
		errors.Is(err, signaling.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, negotiator.ErrNotAggregator),
		errors.Is(err, negotiator.ErrRoomLeft),
		errors.Is(err, session.ErrDuplicateSession):
		return http.StatusConflict
	case errors.As(err, &hw):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		return http.StatusBadGateway
	case errors.As(err, &ne):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
