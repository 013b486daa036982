package handlers

import (
	"crypto/rand"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/middleware"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/negotiator"
)

const (
	roomCodeLength   = 6
	roomCodeAttempts = 5
	codeChars        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// MonitorRequest is the optional body of POST /rooms/:roomId/monitor.
type MonitorRequest struct {
	Talkback bool `json:"talkback"`
}

// CreateRoom mints a room code no camera is using yet
func (h *Handler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()

	for i := 0; i < roomCodeAttempts; i++ {
		code := generateRoomCode()
		peers, err := h.channel.ListPeers(ctx, code)
		if err != nil {
			h.fail(c, err)
			return
		}
		if len(peers) > 0 {
			continue
		}

		h.logger.Info().
			Str("room_id", code).
			Str("user_id", c.GetString(middleware.UserIDKey)).
			Msg("Room code minted")
		c.JSON(http.StatusCreated, models.CreateRoomResponse{RoomID: code})
		return
	}

	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to find a free room code"})
}

// GetRoom lists the peer documents of a room (public)
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := models.NormalizeRoomID(c.Param("roomId"))
	if roomID == "" {
		h.fail(c, negotiator.ErrInvalidRoomID)
		return
	}

	peers, err := h.channel.ListPeers(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if peers == nil {
		peers = []models.PeerDocument{}
	}

	c.JSON(http.StatusOK, models.RoomInfo{RoomID: roomID, Peers: peers})
}

// DeleteRoom purges every document of a room. The device must not be in it.
func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID := models.NormalizeRoomID(c.Param("roomId"))
	if roomID == "" {
		h.fail(c, negotiator.ErrInvalidRoomID)
		return
	}

	if h.participant.Status().RoomID == roomID {
		c.JSON(http.StatusConflict, gin.H{"error": "Leave the room before deleting it"})
		return
	}

	if err := h.channel.DeleteRoom(c.Request.Context(), roomID); err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info().
		Str("room_id", roomID).
		Str("user_id", c.GetString(middleware.UserIDKey)).
		Msg("Room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// StartBroadcast acquires the local camera and microphone and offers them to
// the room.
func (h *Handler) StartBroadcast(c *gin.Context) {
	roomID := c.Param("roomId")
	if models.NormalizeRoomID(roomID) == "" {
		h.fail(c, negotiator.ErrInvalidRoomID)
		return
	}

	tracks, err := h.source.Acquire(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	// the participant owns tracks from here, even on failure
	if _, err := h.participant.StartBroadcast(c.Request.Context(), roomID, tracks); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.participant.Status())
}

// StartMonitor joins a room as an anchor and hands every received track to
// the configured consumer.
func (h *Handler) StartMonitor(c *gin.Context) {
	var req MonitorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	roomID := c.Param("roomId")
	if models.NormalizeRoomID(roomID) == "" {
		h.fail(c, negotiator.ErrInvalidRoomID)
		return
	}

	var audio media.Track
	if req.Talkback {
		var err error
		if audio, err = h.source.AcquireAudio(c.Request.Context()); err != nil {
			h.fail(c, err)
			return
		}
	}

	tracks, err := h.participant.StartAggregating(c.Request.Context(), roomID, audio)
	if err != nil {
		h.fail(c, err)
		return
	}

	go func() {
		for ev := range tracks {
			h.onTrack(ev)
		}
	}()

	c.JSON(http.StatusCreated, h.participant.Status())
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
