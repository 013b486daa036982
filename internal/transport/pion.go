package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger zerolog.Logger
}

// NewPionFactory configures codecs, interceptors and STUN servers. No TURN
// servers are configured.
func NewPionFactory(stunServers []string, logger zerolog.Logger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// keyframes on received video every few seconds
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	interceptorRegistry.Add(pli)

	settings := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: logger.With().Str("component", "pion").Logger()},
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}

	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: logger,
	}, nil
}

func (f *PionFactory) NewTransport() (Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionTransport{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		tracks:  make(map[string]webrtc.TrackLocal),
		logger:  f.logger,
	}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	tracks  map[string]webrtc.TrackLocal

	logger zerolog.Logger
}

func (t *pionTransport) AddTrack(track media.Track) error {
	sender, err := t.pc.AddTrack(track.Local())
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.senders[track.ID()] = sender
	t.tracks[track.ID()] = track.Local()
	t.mu.Unlock()

	// RTCP must be drained for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) AddRecvOnlyAudio() error {
	_, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *pionTransport) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (t *pionTransport) SetRemoteDescription(desc models.SessionDescription) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == models.SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (t *pionTransport) AddICECandidate(c models.IceCandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *pionTransport) SetTrackEnabled(trackID string, enabled bool) error {
	t.mu.Lock()
	sender, ok := t.senders[trackID]
	track := t.tracks[trackID]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown track %q", trackID)
	}
	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

func (t *pionTransport) SignalingStable() bool {
	return t.pc.SignalingState() == webrtc.SignalingStateStable
}

func (t *pionTransport) OnICECandidate(fn func(models.IceCandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(models.IceCandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Remote:   track,
		})
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnectionState(s.String()))
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
