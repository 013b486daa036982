package negotiator

import (
	"context"
	"sync"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/transport"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 64

// Event is a participant event delivered to subscribers.
type Event struct {
	Type    models.EventType
	RoomID  string
	PeerID  string
	Track   *transport.RemoteTrack
	Control *models.ControlState
	Err     error
}

// Message converts e to its wire form.
func (e Event) Message() models.EventMessage {
	msg := models.EventMessage{
		Type:    e.Type,
		RoomID:  e.RoomID,
		PeerID:  e.PeerID,
		Control: e.Control,
	}
	if e.Track != nil {
		msg.TrackID = e.Track.ID
		msg.Kind = e.Track.Kind
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	return msg
}

// TrackEvent pairs a received track with the camera that sent it.
type TrackEvent struct {
	PeerID string
	Track  transport.RemoteTrack
}

// broker fans events out to subscribers. A full subscriber loses the event.
type broker struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	logger zerolog.Logger
}

func newBroker(logger zerolog.Logger) *broker {
	return &broker{subs: make(map[chan Event]struct{}), logger: logger}
}

func (b *broker) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	})
	return ch
}

func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn().Str("type", string(e.Type)).Msg("Subscriber buffer full, dropping event")
		}
	}
}
