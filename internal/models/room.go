package models

import (
	"strings"
	"time"
)

// CreateRoomResponse is returned when a room code is minted.
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// RoomInfo lists the peer documents currently stored under a room.
type RoomInfo struct {
	RoomID string         `json:"roomId"`
	Peers  []PeerDocument `json:"peers"`
}

// SessionInfo describes one live peer session.
type SessionInfo struct {
	PeerID               string       `json:"peerId"`
	Role                 string       `json:"role"`
	LocalDescriptionSet  bool         `json:"localDescriptionSet"`
	RemoteDescriptionSet bool         `json:"remoteDescriptionSet"`
	PendingCandidates    int          `json:"pendingCandidates"`
	Connected            bool         `json:"connected"`
	Control              ControlState `json:"control"`
	CreatedBy            string       `json:"createdBy"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// RoomStatus is the local participant's view of its active room.
type RoomStatus struct {
	RoomID   string        `json:"roomId,omitempty"`
	Role     string        `json:"role,omitempty"`
	DeviceID string        `json:"deviceId"`
	// Error is set when the room stopped discovering new peers.
	Error    string        `json:"error,omitempty"`
	Sessions []SessionInfo `json:"sessions"`
}

// NormalizeRoomID turns an operator-entered room token into its canonical form.
func NormalizeRoomID(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}
