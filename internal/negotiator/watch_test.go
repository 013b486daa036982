package negotiator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// breakableChannel ends every subscription of one kind with a store failure
// once the matching channel is closed.
type breakableChannel struct {
	signaling.Channel
	breakRoom  chan struct{}
	breakDocs  chan struct{}
	breakCands chan struct{}
}

func newBreakableChannel() *breakableChannel {
	return &breakableChannel{
		Channel:    signaling.NewMemory(),
		breakRoom:  make(chan struct{}),
		breakDocs:  make(chan struct{}),
		breakCands: make(chan struct{}),
	}
}

func (b *breakableChannel) WatchRoom(ctx context.Context, roomID string) (*signaling.Watch[models.PeerDocument], error) {
	in, err := b.Channel.WatchRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return relayUntil(ctx, in, b.breakRoom, "watch room"), nil
}

func (b *breakableChannel) WatchDocument(ctx context.Context, roomID, peerID string) (*signaling.Watch[models.PeerDocument], error) {
	in, err := b.Channel.WatchDocument(ctx, roomID, peerID)
	if err != nil {
		return nil, err
	}
	return relayUntil(ctx, in, b.breakDocs, "watch document"), nil
}

func (b *breakableChannel) WatchCandidates(ctx context.Context, roomID, peerID string, side models.CandidateSide) (*signaling.Watch[models.IceCandidate], error) {
	in, err := b.Channel.WatchCandidates(ctx, roomID, peerID, side)
	if err != nil {
		return nil, err
	}
	return relayUntil(ctx, in, b.breakCands, "watch candidates"), nil
}

func relayUntil[T any](ctx context.Context, in *signaling.Watch[T], broken <-chan struct{}, op string) *signaling.Watch[T] {
	out := make(chan T)
	w := signaling.NewWatch(out)
	go func() {
		defer close(out)
		fail := func() { w.Fail(&signaling.ChannelError{Op: op, Err: errStoreDown}) }
		for {
			select {
			case <-broken:
				fail()
				return
			case <-ctx.Done():
				return
			case v, ok := <-in.C:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-broken:
					fail()
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return w
}

func requireStoreFailure(t *testing.T, err error) {
	t.Helper()
	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	var ce *signaling.ChannelError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestCandidateWatchFailureDropsAnchorSession(t *testing.T) {
	ctx := context.Background()
	ch := newBreakableChannel()
	require.NoError(t, ch.PutDocument(ctx, "ROOM1", offerDoc("camA", "camera-offer")))

	p, factory := newParticipant(t, ch, "anchor", 0)
	events := p.Subscribe(ctx)
	_, err := p.StartAggregating(ctx, "ROOM1", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		doc, err := ch.GetDocument(ctx, "ROOM1", "camA")
		return err == nil && doc.Answer != nil
	}, waitFor, tick)

	close(ch.breakCands)

	e := nextEvent(t, events, models.EventTypePeerDropped)
	assert.Equal(t, "camA", e.PeerID)
	requireStoreFailure(t, e.Err)
	assert.Empty(t, p.Status().Sessions)
	assert.True(t, factory.Transports()[0].Closed())
}

func TestDocumentWatchFailureDropsCameraSession(t *testing.T) {
	ctx := context.Background()
	ch := newBreakableChannel()
	p, factory := newParticipant(t, ch, "camA", 0)
	events := p.Subscribe(ctx)

	video, audio := cameraTracks()
	_, err := p.StartBroadcast(ctx, "ROOM1", []media.Track{video, audio})
	require.NoError(t, err)

	close(ch.breakDocs)

	e := nextEvent(t, events, models.EventTypePeerDropped)
	assert.Equal(t, "camA", e.PeerID)
	requireStoreFailure(t, e.Err)
	assert.Empty(t, p.Status().Sessions)
	assert.True(t, factory.Transports()[0].Closed())
}

func TestRoomWatchFailureStopsDiscoveryOnly(t *testing.T) {
	ctx := context.Background()
	ch := newBreakableChannel()
	require.NoError(t, ch.PutDocument(ctx, "ROOM1", offerDoc("camA", "camera-offer")))

	p, factory := newParticipant(t, ch, "anchor", 0)
	events := p.Subscribe(ctx)
	_, err := p.StartAggregating(ctx, "ROOM1", nil)
	require.NoError(t, err)
	require.Eventually(t, sessionCount(p), waitFor, tick)

	close(ch.breakRoom)

	e := nextEvent(t, events, models.EventTypeError)
	assert.Equal(t, "ROOM1", e.RoomID)
	var ce *signaling.ChannelError
	require.ErrorAs(t, e.Err, &ce)
	assert.Contains(t, e.Message().Error, errStoreDown.Error())

	status := p.Status()
	assert.NotEmpty(t, status.Error)
	require.Len(t, status.Sessions, 1, "established sessions survive")
	assert.Equal(t, "camA", status.Sessions[0].PeerID)

	// no further cameras are discovered
	require.NoError(t, ch.PutDocument(ctx, "ROOM1", offerDoc("camB", "offer-b")))
	assert.Never(t, func() bool { return len(factory.Transports()) > 1 }, 100*time.Millisecond, tick)
}

func TestCancelledWatchIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	ch := newBreakableChannel()
	require.NoError(t, ch.PutDocument(ctx, "ROOM1", offerDoc("camA", "camera-offer")))

	p, _ := newParticipant(t, ch, "anchor", 0)
	events := p.Subscribe(ctx)
	_, err := p.StartAggregating(ctx, "ROOM1", nil)
	require.NoError(t, err)
	require.Eventually(t, sessionCount(p), waitFor, tick)

	p.LeaveRoom()
	nextEvent(t, events, models.EventTypeRoomLeft)

	select {
	case e := <-events:
		t.Fatalf("unexpected %s event after leaving", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
