package negotiator

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/rs/zerolog"
)

// room is the participant's single active room. Its context scopes every
// subscription and goroutine started for it.
type room struct {
	id       string
	role     session.Role
	registry *session.Registry
	tracks   []media.Track

	ctx    context.Context
	cancel context.CancelFunc

	// aggregator output
	trackFeed *signaling.Feed[TrackEvent]
	trackOut  chan TrackEvent

	// failure is set once the room watch ends with a store error
	mu      sync.Mutex
	failure error

	closeOnce sync.Once
	logger    zerolog.Logger
}

func newRoom(id string, role session.Role, tracks []media.Track, logger zerolog.Logger) *room {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("room_id", id).Str("role", string(role)).Logger()
	return &room{
		id:       id,
		role:     role,
		registry: session.NewRegistry(logger),
		tracks:   tracks,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// bind derives a context that ends with either parent or the room.
func (r *room) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(r.ctx, func() { cancel(ErrRoomLeft) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// interrupted maps a cancellation caused by leaving the room to ErrRoomLeft.
func interrupted(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), ErrRoomLeft) {
		return ErrRoomLeft
	}
	return err
}

// sessionContext derives a context that ends with the room or when s is
// removed from the registry.
func (r *room) sessionContext(s *session.PeerSession) context.Context {
	ctx, cancel := context.WithCancel(r.ctx)
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func (r *room) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

func (r *room) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// close cancels every subscription, closes every session and stops local
// media. Safe to call more than once.
func (r *room) close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.registry.Close()
		media.StopAll(r.tracks)
		r.logger.Info().Msg("Left room")
	})
}
