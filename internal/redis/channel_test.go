package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func newTestChannel(t *testing.T) (*Channel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return NewChannel(client, time.Hour, zerolog.Nop()), mr
}

func offerDoc(peerID string, ts int64) models.PeerDocument {
	controls := models.DefaultControls()
	return models.PeerDocument{
		PeerID:    peerID,
		CreatedBy: "user-1",
		Timestamp: ts,
		Offer:     &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0 offer"},
		Controls:  &controls,
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for watch value")
	}
	var zero T
	return zero
}

func TestDocumentRoundTripAndFieldUpdates(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	_, err := ch.GetDocument(ctx, "ROOM1", "camA")
	assert.ErrorIs(t, err, signaling.ErrNotFound)

	require.NoError(t, ch.PutDocument(ctx, "ROOM1", offerDoc("camA", 42)))

	doc, err := ch.GetDocument(ctx, "ROOM1", "camA")
	require.NoError(t, err)
	assert.Equal(t, "camA", doc.PeerID)
	assert.Equal(t, "user-1", doc.CreatedBy)
	assert.Equal(t, int64(42), doc.Timestamp)
	require.NotNil(t, doc.Offer)
	assert.Equal(t, models.SDPTypeOffer, doc.Offer.Type)
	assert.Nil(t, doc.Answer)
	assert.Equal(t, models.DefaultControls(), *doc.Controls)

	require.NoError(t, ch.SetAnswer(ctx, "ROOM1", "camA", models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "v=0 answer"}))
	controls := models.ControlState{Zoom: 2.5, Rotation: 90, RemoteMic: true, AnchorMic: false}
	require.NoError(t, ch.SetControls(ctx, "ROOM1", "camA", controls))

	doc, err = ch.GetDocument(ctx, "ROOM1", "camA")
	require.NoError(t, err)
	require.NotNil(t, doc.Answer)
	assert.Equal(t, "v=0 answer", doc.Answer.SDP)
	assert.Equal(t, "v=0 offer", doc.Offer.SDP)
	assert.Equal(t, controls, *doc.Controls)

	assert.True(t, mr.TTL(docKey("ROOM1", "camA")) > 0)
	assert.ErrorIs(t, ch.SetControls(ctx, "ROOM1", "missing", controls), signaling.ErrNotFound)
}

func TestListPeersAndDeleteRoom(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camB", 20)))
	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camA", 10)))
	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.OfferSide, models.IceCandidate{Candidate: "c1"}))

	docs, err := ch.ListPeers(ctx, "R")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "camA", docs[0].PeerID)
	assert.Equal(t, "camB", docs[1].PeerID)

	require.NoError(t, ch.DeleteRoom(ctx, "R"))
	docs, err = ch.ListPeers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.False(t, mr.Exists(candidatesKey("R", "camA", models.OfferSide)))
}

func TestWatchRoomSeesExistingAndNewDocuments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestChannel(t)

	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camA", 1)))

	docs, err := ch.WatchRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, "camA", recv(t, docs.C).PeerID)

	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camB", 2)))
	assert.Equal(t, "camB", recv(t, docs.C).PeerID)

	require.NoError(t, ch.SetAnswer(ctx, "R", "camA", models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "a"}))
	doc := recv(t, docs.C)
	assert.Equal(t, "camA", doc.PeerID)
	assert.NotNil(t, doc.Answer)
}

func TestWatchDocumentEchoesControls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestChannel(t)

	docs, err := ch.WatchDocument(ctx, "R", "camA")
	require.NoError(t, err)

	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camB", 1)))
	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camA", 2)))
	assert.Equal(t, "camA", recv(t, docs.C).PeerID)

	controls := models.DefaultControls()
	controls.RemoteMic = false
	require.NoError(t, ch.SetControls(ctx, "R", "camA", controls))
	doc := recv(t, docs.C)
	assert.False(t, doc.Controls.RemoteMic)
}

func TestWatchCandidatesDeliversInAppendOrderOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestChannel(t)

	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.AnswerSide, models.IceCandidate{Candidate: "a1"}))
	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.AnswerSide, models.IceCandidate{Candidate: "a2"}))

	cands, err := ch.WatchCandidates(ctx, "R", "camA", models.AnswerSide)
	require.NoError(t, err)

	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.OfferSide, models.IceCandidate{Candidate: "o1"}))
	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.AnswerSide, models.IceCandidate{Candidate: "a3"}))
	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.AnswerSide, models.IceCandidate{Candidate: "a4"}))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, recv(t, cands.C).Candidate)
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, got)

	select {
	case c := <-cands.C:
		t.Fatalf("unexpected extra candidate %q", c.Candidate)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := newTestChannel(t)

	cands, err := ch.WatchCandidates(ctx, "R", "camA", models.OfferSide)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-cands.C:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("watch did not close")
	}
	assert.NoError(t, cands.Err(), "cancellation is not a failure")
}

func TestUnreachableStoreIsChannelError(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)
	mr.Close()

	err := ch.PutDocument(ctx, "R", offerDoc("camA", 1))
	var ce *signaling.ChannelError
	assert.ErrorAs(t, err, &ce)

	_, err = ch.WatchRoom(ctx, "R")
	assert.ErrorAs(t, err, &ce)
}

// waitClosed drains w until its channel closes.
func waitClosed[T any](t *testing.T, w *signaling.Watch[T]) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-w.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch did not close")
		}
	}
}

func TestWatchCandidatesReportsStoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, mr := newTestChannel(t)

	require.NoError(t, ch.AppendCandidate(ctx, "R", "camA", models.OfferSide, models.IceCandidate{Candidate: "c1"}))
	cands, err := ch.WatchCandidates(ctx, "R", "camA", models.OfferSide)
	require.NoError(t, err)
	assert.Equal(t, "c1", recv(t, cands.C).Candidate)

	// the notification arrives but the list read fails
	mr.SetError("ERR store unavailable")
	mr.Publish(eventsKey("R"), `{"kind":"candidate","peerId":"camA","side":"offer"}`)

	waitClosed(t, cands)
	var ce *signaling.ChannelError
	require.ErrorAs(t, cands.Err(), &ce)
	assert.Equal(t, "watch candidates", ce.Op)
}

func TestWatchDocumentReportsStoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, mr := newTestChannel(t)

	docs, err := ch.WatchRoom(ctx, "R")
	require.NoError(t, err)

	mr.SetError("ERR store unavailable")
	mr.Publish(eventsKey("R"), `{"kind":"document","peerId":"camA"}`)

	waitClosed(t, docs)
	var ce *signaling.ChannelError
	assert.ErrorAs(t, docs.Err(), &ce)
}

// deleteOnExists deletes key through another client right after the first
// EXISTS on it, between the check and the write of a field update.
type deleteOnExists struct {
	other *redis.Client
	key   string
	once  sync.Once
}

func (h *deleteOnExists) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *deleteOnExists) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *deleteOnExists) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "exists" {
			h.once.Do(func() { h.other.Del(ctx, h.key) })
		}
		return err
	}
}

func TestSetFieldDoesNotResurrectDeletedDocument(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = other.Close() })
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	ch := NewChannel(client, time.Hour, zerolog.Nop())

	require.NoError(t, ch.PutDocument(ctx, "R", offerDoc("camA", 1)))
	client.AddHook(&deleteOnExists{other: other, key: docKey("R", "camA")})

	err := ch.SetAnswer(ctx, "R", "camA", models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "a"})
	assert.ErrorIs(t, err, signaling.ErrNotFound)
	assert.False(t, mr.Exists(docKey("R", "camA")), "partial document recreated")
}

func TestUnknownCandidateSide(t *testing.T) {
	ch, _ := newTestChannel(t)
	err := ch.AppendCandidate(context.Background(), "R", "camA", models.CandidateSide("sideways"), models.IceCandidate{})
	assert.Error(t, err)
}
