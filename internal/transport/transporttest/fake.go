// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/transport"
	"github.com/pion/webrtc/v4"
)

// ErrRejected is returned for payloads containing "bad".
var ErrRejected = errors.New("transporttest: rejected")

// Transport records every call and lets tests fire the callbacks.
type Transport struct {
	ID int

	mu            sync.Mutex
	tracks        []media.Track
	enabled       map[string]bool
	recvOnlyAudio int
	local         *models.SessionDescription
	remote        *models.SessionDescription
	candidates    []models.IceCandidate
	stable        bool
	closed        bool

	// AddTrackErr, when set, fails every AddTrack call.
	AddTrackErr error

	onCandidate func(models.IceCandidate)
	onTrack     func(transport.RemoteTrack)
	onState     func(transport.ConnectionState)
}

func New(id int) *Transport {
	return &Transport{ID: id, enabled: make(map[string]bool), stable: true}
}

func (t *Transport) AddTrack(track media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AddTrackErr != nil {
		return t.AddTrackErr
	}
	t.tracks = append(t.tracks, track)
	t.enabled[track.ID()] = true
	return nil
}

func (t *Transport) AddRecvOnlyAudio() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvOnlyAudio++
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	return t.createLocal(ctx, models.SDPTypeOffer)
}

func (t *Transport) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	return t.createLocal(ctx, models.SDPTypeAnswer)
}

func (t *Transport) createLocal(ctx context.Context, typ models.SDPType) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return models.SessionDescription{}, errors.New("transporttest: closed")
	}
	desc := models.SessionDescription{Type: typ, SDP: fmt.Sprintf("fake-%s-%d", typ, t.ID)}
	t.local = &desc
	t.stable = typ == models.SDPTypeAnswer
	return desc, nil
}

func (t *Transport) SetRemoteDescription(desc models.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.Contains(desc.SDP, "bad") {
		return ErrRejected
	}
	t.remote = &desc
	t.stable = desc.Type == models.SDPTypeAnswer
	return nil
}

func (t *Transport) AddICECandidate(c models.IceCandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.Contains(c.Candidate, "bad") {
		return ErrRejected
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) SetTrackEnabled(trackID string, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.enabled[trackID]; !ok {
		return fmt.Errorf("transporttest: unknown track %q", trackID)
	}
	t.enabled[trackID] = enabled
	return nil
}

func (t *Transport) SignalingStable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stable
}

func (t *Transport) OnICECandidate(fn func(models.IceCandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnTrack(fn func(transport.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// EmitCandidate fires the local candidate callback.
func (t *Transport) EmitCandidate(c models.IceCandidate) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack fires the remote track callback.
func (t *Transport) EmitTrack(track transport.RemoteTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// EmitState fires the connection state callback.
func (t *Transport) EmitState(s transport.ConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) Tracks() []media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.Track(nil), t.tracks...)
}

func (t *Transport) TrackEnabled(trackID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled[trackID]
}

func (t *Transport) RecvOnlyAudio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recvOnlyAudio
}

func (t *Transport) LocalDescription() *models.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) RemoteDescription() *models.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Candidates returns the applied remote candidates in order.
func (t *Transport) Candidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Factory hands out fake transports and keeps them for inspection.
type Factory struct {
	mu         sync.Mutex
	transports []*Transport
	Err        error

	// Prepare, when set, is called on every new transport.
	Prepare func(*Transport)
}

func (f *Factory) NewTransport() (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := New(len(f.transports) + 1)
	if f.Prepare != nil {
		f.Prepare(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Track is a media.Track with no backing device.
type Track struct {
	TrackID   string
	TrackKind string

	mu      sync.Mutex
	stopped bool
	zoom    float64
	NoZoom  bool
}

func (t *Track) ID() string   { return t.TrackID }
func (t *Track) Kind() string { return t.TrackKind }

func (t *Track) Local() webrtc.TrackLocal { return nil }

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) SetZoom(zoom float64) error {
	if t.NoZoom {
		return errors.New("transporttest: zoom unsupported")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zoom = zoom
	return nil
}

func (t *Track) Zoom() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zoom
}
