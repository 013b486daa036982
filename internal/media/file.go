package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const (
	opusSampleRate     = 48000
	defaultFrameLength = 33 * time.Millisecond
)

// FileSource stands in for a capture device by looping an IVF video file
// and an OGG/Opus audio file into sample tracks. An empty path yields a
// silent track of that kind.
type FileSource struct {
	VideoFile string
	AudioFile string
	// TalkbackFile feeds AcquireAudio.
	TalkbackFile string

	Logger zerolog.Logger
}

func (s FileSource) Acquire(ctx context.Context) ([]Track, error) {
	streamID := "camlink-" + uuid.NewString()

	video, err := s.open(ctx, KindVideo, s.VideoFile, streamID)
	if err != nil {
		return nil, err
	}
	audio, err := s.open(ctx, KindAudio, s.AudioFile, streamID)
	if err != nil {
		video.Stop()
		return nil, err
	}
	return []Track{video, audio}, nil
}

func (s FileSource) AcquireAudio(ctx context.Context) (Track, error) {
	return s.open(ctx, KindAudio, s.TalkbackFile, "camlink-talkback-"+uuid.NewString())
}

func (s FileSource) open(ctx context.Context, kind, path, streamID string) (*sampleTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}

	var pump func(context.Context, *webrtc.TrackLocalStaticSample) error
	if path != "" {
		var err error
		mime, pump, err = openMedia(kind, path)
		if err != nil {
			return nil, &HardwareError{Device: kind, Err: err}
		}
	}

	capability := webrtc.RTPCodecCapability{MimeType: mime}
	if kind == KindAudio {
		capability.ClockRate = opusSampleRate
		capability.Channels = 2
	} else {
		capability.ClockRate = 90000
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, kind, streamID)
	if err != nil {
		return nil, &HardwareError{Device: kind, Err: err}
	}

	t := newSampleTrack(kind, local)
	if pump != nil {
		logger := s.Logger.With().Str("kind", kind).Str("file", path).Logger()
		t.run(ctx, pump, logger)
	}
	return t, nil
}

// openMedia validates the file header and returns a pump that loops the file.
func openMedia(kind, path string) (string, func(context.Context, *webrtc.TrackLocalStaticSample) error, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	if kind == KindAudio {
		if _, _, err := oggreader.NewWith(f); err != nil {
			return "", nil, fmt.Errorf("parse ogg: %w", err)
		}
		return webrtc.MimeTypeOpus, func(ctx context.Context, out *webrtc.TrackLocalStaticSample) error {
			return pumpOgg(ctx, path, out)
		}, nil
	}

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", nil, fmt.Errorf("parse ivf: %w", err)
	}
	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return "", nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	return mime, func(ctx context.Context, out *webrtc.TrackLocalStaticSample) error {
		return pumpIVF(ctx, path, out)
	}, nil
}

func pumpIVF(ctx context.Context, path string, out *webrtc.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}

	frameLength := defaultFrameLength
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameLength = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			return err
		}
		if err := out.WriteSample(pionmedia.Sample{Data: frame, Duration: frameLength}); err != nil {
			return err
		}
	}
}

func pumpOgg(ctx context.Context, path string, out *webrtc.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			return err
		}

		samples := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration(samples / opusSampleRate * float64(time.Second))

		if err := out.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(duration):
		}
	}
}

// sampleTrack is a Track backed by a pion sample track.
type sampleTrack struct {
	kind  string
	local *webrtc.TrackLocalStaticSample

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newSampleTrack(kind string, local *webrtc.TrackLocalStaticSample) *sampleTrack {
	return &sampleTrack{kind: kind, local: local}
}

func (t *sampleTrack) ID() string               { return t.local.ID() }
func (t *sampleTrack) Kind() string             { return t.kind }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

// run loops pump until Stop or a non-EOF error.
func (t *sampleTrack) run(parent context.Context, pump func(context.Context, *webrtc.TrackLocalStaticSample) error, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		for {
			err := pump(ctx, t.local)
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("Capture stopped")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(defaultFrameLength):
			}
		}
	}()
}

// Stop ends sample production and waits for the pump to exit.
func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel == nil {
			return
		}
		t.cancel()
		<-t.done
	})
}
