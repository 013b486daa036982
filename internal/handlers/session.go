package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/internal/models"
)

// GetSession reports the active room and its sessions
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.participant.Status())
}

// LeaveSession leaves the active room. Leaving twice is fine.
func (h *Handler) LeaveSession(c *gin.Context) {
	h.participant.LeaveRoom()
	c.JSON(http.StatusOK, h.participant.Status())
}

// UpdateControls merges a partial control update into one camera's state.
func (h *Handler) UpdateControls(c *gin.Context) {
	var partial models.PartialControl
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.participant.SetControl(c.Request.Context(), c.Param("peerId"), partial)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}
