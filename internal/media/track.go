// Package media provides the local capture tracks a participant publishes.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() string
	Local() webrtc.TrackLocal
	Stop()
}

// Zoomer is implemented by tracks whose device supports a zoom constraint.
type Zoomer interface {
	SetZoom(zoom float64) error
}

// ApplyZoom asks t to zoom. It reports false when the track has no zoom
// capability or the device refused; neither case is an error.
func ApplyZoom(t Track, zoom float64) bool {
	z, ok := t.(Zoomer)
	if !ok {
		return false
	}
	return z.SetZoom(zoom) == nil
}

// Source acquires local capture tracks.
type Source interface {
	// Acquire returns the camera's outgoing tracks.
	Acquire(ctx context.Context) ([]Track, error)
	// AcquireAudio returns a single talk-back microphone track.
	AcquireAudio(ctx context.Context) (Track, error)
}

// StopAll stops every track.
func StopAll(tracks []Track) {
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

// HardwareError reports a local media acquisition failure.
type HardwareError struct {
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }
