package models

import "math"

// Control bounds.
const (
	MinZoom = 1.0
	MaxZoom = 4.0
)

// ControlState is the anchor-authored, camera-applied remote control of one camera.
type ControlState struct {
	Zoom      float64 `json:"zoom"`
	Rotation  int     `json:"rotation"`
	RemoteMic bool    `json:"remoteMic"` // camera's outgoing mic
	AnchorMic bool    `json:"anchorMic"` // anchor's talk-back mic
}

// DefaultControls returns the state every new peer document starts with.
func DefaultControls() ControlState {
	return ControlState{
		Zoom:      MinZoom,
		Rotation:  0,
		RemoteMic: true,
		AnchorMic: true,
	}
}

// PartialControl is a field-by-field update. Nil fields are left untouched.
type PartialControl struct {
	Zoom      *float64 `json:"zoom,omitempty"`
	Rotation  *int     `json:"rotation,omitempty"`
	RemoteMic *bool    `json:"remoteMic,omitempty"`
	AnchorMic *bool    `json:"anchorMic,omitempty"`
}

// IsEmpty reports whether the update sets no field.
func (p PartialControl) IsEmpty() bool {
	return p.Zoom == nil && p.Rotation == nil && p.RemoteMic == nil && p.AnchorMic == nil
}

// Merge applies p over c and returns the normalized result. c is not modified.
func (c ControlState) Merge(p PartialControl) ControlState {
	out := c
	if p.Zoom != nil {
		out.Zoom = *p.Zoom
	}
	if p.Rotation != nil {
		out.Rotation = *p.Rotation
	}
	if p.RemoteMic != nil {
		out.RemoteMic = *p.RemoteMic
	}
	if p.AnchorMic != nil {
		out.AnchorMic = *p.AnchorMic
	}
	return out.Normalize()
}

// Normalize clamps zoom into [MinZoom, MaxZoom] and snaps rotation to the
// nearest of 0, 90, 180, 270.
func (c ControlState) Normalize() ControlState {
	c.Zoom = ClampZoom(c.Zoom)
	c.Rotation = NormalizeRotation(c.Rotation)
	return c
}

// ClampZoom clamps z into the supported range. NaN maps to MinZoom.
func ClampZoom(z float64) float64 {
	switch {
	case math.IsNaN(z), z < MinZoom:
		return MinZoom
	case z > MaxZoom:
		return MaxZoom
	}
	return z
}

// NormalizeRotation maps any angle in degrees onto {0, 90, 180, 270}.
func NormalizeRotation(deg int) int {
	r := deg % 360
	if r < 0 {
		r += 360
	}
	quarter := int(math.Round(float64(r)/90)) % 4
	return quarter * 90
}
