package models

// EventType is the type of an event pushed to websocket clients.
type EventType string

const (
	EventTypeTrackAdded     EventType = "track_added"
	EventTypeControlChanged EventType = "control_changed"
	EventTypePeerDropped    EventType = "peer_dropped"
	EventTypeRoomLeft       EventType = "room_left"
	EventTypeError          EventType = "error"
)

// EventMessage is the wire form of a participant event.
type EventMessage struct {
	Type    EventType     `json:"type"`
	RoomID  string        `json:"roomId,omitempty"`
	PeerID  string        `json:"peerId,omitempty"`
	TrackID string        `json:"trackId,omitempty"`
	Kind    string        `json:"kind,omitempty"`
	Control *ControlState `json:"control,omitempty"`
	Error   string        `json:"error,omitempty"`
}
