package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix      = "camlink:room:"
	defaultRoomTTL = 24 * time.Hour

	// pub/sub buffer per watcher
	notifyBuffer = 1024

	// optimistic transaction retries for field updates
	maxTxAttempts = 5

	kindDocument  = "document"
	kindCandidate = "candidate"

	fieldPeerID    = "peerId"
	fieldCreatedBy = "createdBy"
	fieldTimestamp = "timestamp"
	fieldOffer     = "offer"
	fieldAnswer    = "answer"
	fieldControls  = "controls"
)

// notification is published on the room's events channel after every write.
type notification struct {
	Kind   string               `json:"kind"`
	PeerID string               `json:"peerId"`
	Side   models.CandidateSide `json:"side,omitempty"`
}

// Channel is a signaling.Channel backed by Redis.
//
// Peer documents are hashes, candidate lists are lists, the room index is a
// set, and every write publishes a notification on the room's events channel.
type Channel struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

var _ signaling.Channel = (*Channel)(nil)

// NewChannel creates a Redis channel. Every key written expires after ttl
// (24h when ttl is zero).
func NewChannel(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *Channel {
	if ttl <= 0 {
		ttl = defaultRoomTTL
	}
	return &Channel{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis-channel").Logger(),
	}
}

func peersKey(roomID string) string {
	return keyPrefix + roomID + ":peers"
}

func docKey(roomID, peerID string) string {
	return keyPrefix + roomID + ":peer:" + peerID
}

func candidatesKey(roomID, peerID string, side models.CandidateSide) string {
	return docKey(roomID, peerID) + ":" + string(side) + "-candidates"
}

func eventsKey(roomID string) string {
	return keyPrefix + roomID + ":events"
}

func (c *Channel) PutDocument(ctx context.Context, roomID string, doc models.PeerDocument) error {
	fields, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	note, err := json.Marshal(notification{Kind: kindDocument, PeerID: doc.PeerID})
	if err != nil {
		return err
	}

	key := docKey(roomID, doc.PeerID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key,
			candidatesKey(roomID, doc.PeerID, models.OfferSide),
			candidatesKey(roomID, doc.PeerID, models.AnswerSide))
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, c.ttl)
		pipe.SAdd(ctx, peersKey(roomID), doc.PeerID)
		pipe.Expire(ctx, peersKey(roomID), c.ttl)
		pipe.Publish(ctx, eventsKey(roomID), note)
		return nil
	})
	return signaling.Wrap("put document", err)
}

func (c *Channel) GetDocument(ctx context.Context, roomID, peerID string) (models.PeerDocument, error) {
	fields, err := c.client.HGetAll(ctx, docKey(roomID, peerID)).Result()
	if err != nil {
		return models.PeerDocument{}, signaling.Wrap("get document", err)
	}
	if len(fields) == 0 {
		return models.PeerDocument{}, signaling.ErrNotFound
	}
	return decodeDocument(fields)
}

func (c *Channel) SetAnswer(ctx context.Context, roomID, peerID string, answer models.SessionDescription) error {
	return c.setField(ctx, roomID, peerID, fieldAnswer, answer)
}

func (c *Channel) SetControls(ctx context.Context, roomID, peerID string, controls models.ControlState) error {
	return c.setField(ctx, roomID, peerID, fieldControls, controls)
}

func (c *Channel) setField(ctx context.Context, roomID, peerID, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	note, err := json.Marshal(notification{Kind: kindDocument, PeerID: peerID})
	if err != nil {
		return err
	}

	key := docKey(roomID, peerID)
	// the key is watched so a concurrent delete cannot leave a partial hash
	update := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return signaling.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, string(data))
			pipe.Expire(ctx, key, c.ttl)
			pipe.Publish(ctx, eventsKey(roomID), note)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err = c.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return signaling.Wrap("set "+field, err)
		}
	}
	return signaling.Wrap("set "+field, err)
}

func (c *Channel) AppendCandidate(ctx context.Context, roomID, peerID string, side models.CandidateSide, cand models.IceCandidate) error {
	if !side.Valid() {
		return fmt.Errorf("redis: unknown candidate side %q", side)
	}
	data, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	note, err := json.Marshal(notification{Kind: kindCandidate, PeerID: peerID, Side: side})
	if err != nil {
		return err
	}

	key := candidatesKey(roomID, peerID, side)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, string(data))
		pipe.Expire(ctx, key, c.ttl)
		pipe.Publish(ctx, eventsKey(roomID), note)
		return nil
	})
	return signaling.Wrap("append candidate", err)
}

func (c *Channel) ListPeers(ctx context.Context, roomID string) ([]models.PeerDocument, error) {
	ids, err := c.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, signaling.Wrap("list peers", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, docKey(roomID, id))
		}
		return nil
	})
	if err != nil {
		return nil, signaling.Wrap("list peers", err)
	}

	docs := make([]models.PeerDocument, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired document still indexed
			continue
		}
		doc, err := decodeDocument(fields)
		if err != nil {
			c.logger.Warn().Err(err).Str("room_id", roomID).Str("peer_id", ids[i]).Msg("Skipping malformed peer document")
			continue
		}
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Timestamp != docs[j].Timestamp {
			return docs[i].Timestamp < docs[j].Timestamp
		}
		return docs[i].PeerID < docs[j].PeerID
	})
	return docs, nil
}

func (c *Channel) DeleteRoom(ctx context.Context, roomID string) error {
	ids, err := c.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return signaling.Wrap("delete room", err)
	}

	keys := []string{peersKey(roomID)}
	for _, id := range ids {
		keys = append(keys,
			docKey(roomID, id),
			candidatesKey(roomID, id, models.OfferSide),
			candidatesKey(roomID, id, models.AnswerSide))
	}
	return signaling.Wrap("delete room", c.client.Del(ctx, keys...).Err())
}

// subscribe returns once the subscription is confirmed by the server, so any
// write after it is observed.
func (c *Channel) subscribe(ctx context.Context, roomID string) (*redis.PubSub, error) {
	ps := c.client.Subscribe(ctx, eventsKey(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, signaling.Wrap("subscribe", err)
	}
	return ps, nil
}

// errSubscriptionClosed ends a watch whose notification stream went away
// while its context was still live.
var errSubscriptionClosed = errors.New("subscription closed")

// failWatch records err on w unless it was caused by ctx ending.
func failWatch[T any](ctx context.Context, w *signaling.Watch[T], op string, err error) {
	if ctx.Err() != nil {
		return
	}
	w.Fail(signaling.Wrap(op, err))
}

func (c *Channel) WatchRoom(ctx context.Context, roomID string) (*signaling.Watch[models.PeerDocument], error) {
	ps, err := c.subscribe(ctx, roomID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.PeerDocument)
	w := signaling.NewWatch(out)
	go func() {
		defer close(out)
		defer ps.Close()

		l := c.logger.With().Str("room_id", roomID).Logger()

		docs, err := c.ListPeers(ctx, roomID)
		if err != nil {
			l.Error().Err(err).Msg("Room snapshot failed")
			failWatch(ctx, w, "watch room", err)
			return
		}
		for _, doc := range docs {
			if !send(ctx, out, doc) {
				return
			}
		}

		if err := c.followDocuments(ctx, ps, roomID, "", out, l); err != nil {
			failWatch(ctx, w, "watch room", err)
		}
	}()
	return w, nil
}

func (c *Channel) WatchDocument(ctx context.Context, roomID, peerID string) (*signaling.Watch[models.PeerDocument], error) {
	ps, err := c.subscribe(ctx, roomID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.PeerDocument)
	w := signaling.NewWatch(out)
	go func() {
		defer close(out)
		defer ps.Close()

		l := c.logger.With().Str("room_id", roomID).Str("peer_id", peerID).Logger()

		doc, err := c.GetDocument(ctx, roomID, peerID)
		switch {
		case err == nil:
			if !send(ctx, out, doc) {
				return
			}
		case errors.Is(err, signaling.ErrNotFound):
		default:
			l.Error().Err(err).Msg("Document snapshot failed")
			failWatch(ctx, w, "watch document", err)
			return
		}

		if err := c.followDocuments(ctx, ps, roomID, peerID, out, l); err != nil {
			failWatch(ctx, w, "watch document", err)
		}
	}()
	return w, nil
}

// followDocuments re-reads and emits a document on every notification for it.
// An empty peerID follows every document of the room. It returns nil when
// ctx ends and the store error otherwise.
func (c *Channel) followDocuments(ctx context.Context, ps *redis.PubSub, roomID, peerID string, out chan<- models.PeerDocument, l zerolog.Logger) error {
	msgs := ps.Channel(redis.WithChannelSize(notifyBuffer))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errSubscriptionClosed
			}
			var note notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				l.Warn().Err(err).Msg("Ignoring malformed notification")
				continue
			}
			if note.Kind != kindDocument || (peerID != "" && note.PeerID != peerID) {
				continue
			}

			doc, err := c.GetDocument(ctx, roomID, note.PeerID)
			if errors.Is(err, signaling.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			var ce *signaling.ChannelError
			if errors.As(err, &ce) {
				l.Error().Err(err).Str("peer_id", note.PeerID).Msg("Document read failed")
				return err
			}
			if err != nil {
				l.Warn().Err(err).Str("peer_id", note.PeerID).Msg("Skipping malformed peer document")
				continue
			}
			if !send(ctx, out, doc) {
				return nil
			}
		}
	}
}

func (c *Channel) WatchCandidates(ctx context.Context, roomID, peerID string, side models.CandidateSide) (*signaling.Watch[models.IceCandidate], error) {
	if !side.Valid() {
		return nil, fmt.Errorf("redis: unknown candidate side %q", side)
	}
	ps, err := c.subscribe(ctx, roomID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.IceCandidate)
	w := signaling.NewWatch(out)
	go func() {
		defer close(out)
		defer ps.Close()

		l := c.logger.With().Str("room_id", roomID).Str("peer_id", peerID).Str("side", string(side)).Logger()
		key := candidatesKey(roomID, peerID, side)

		// cursor is the index of the next list entry to deliver
		var cursor int64
		drain := func() bool {
			entries, err := c.client.LRange(ctx, key, cursor, -1).Result()
			if err != nil {
				if ctx.Err() == nil {
					l.Error().Err(err).Msg("Candidate read failed")
					failWatch(ctx, w, "watch candidates", err)
				}
				return false
			}
			for _, entry := range entries {
				cursor++
				var cand models.IceCandidate
				if err := json.Unmarshal([]byte(entry), &cand); err != nil {
					l.Warn().Err(err).Msg("Skipping malformed candidate entry")
					continue
				}
				if !send(ctx, out, cand) {
					return false
				}
			}
			return true
		}

		if !drain() {
			return
		}

		msgs := ps.Channel(redis.WithChannelSize(notifyBuffer))
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					failWatch(ctx, w, "watch candidates", errSubscriptionClosed)
					return
				}
				var note notification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					continue
				}
				if note.Kind != kindCandidate || note.PeerID != peerID || note.Side != side {
					continue
				}
				if !drain() {
					return
				}
			}
		}
	}()
	return w, nil
}

func send[T any](ctx context.Context, out chan<- T, v T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func encodeDocument(doc models.PeerDocument) (map[string]any, error) {
	fields := map[string]any{
		fieldPeerID:    doc.PeerID,
		fieldCreatedBy: doc.CreatedBy,
		fieldTimestamp: strconv.FormatInt(doc.Timestamp, 10),
	}
	put := func(name string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		fields[name] = string(data)
		return nil
	}
	if doc.Offer != nil {
		if err := put(fieldOffer, doc.Offer); err != nil {
			return nil, err
		}
	}
	if doc.Answer != nil {
		if err := put(fieldAnswer, doc.Answer); err != nil {
			return nil, err
		}
	}
	if doc.Controls != nil {
		if err := put(fieldControls, doc.Controls); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func decodeDocument(fields map[string]string) (models.PeerDocument, error) {
	doc := models.PeerDocument{
		PeerID:    fields[fieldPeerID],
		CreatedBy: fields[fieldCreatedBy],
	}
	if ts, ok := fields[fieldTimestamp]; ok && ts != "" {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return models.PeerDocument{}, fmt.Errorf("decode timestamp: %w", err)
		}
		doc.Timestamp = n
	}
	if raw, ok := fields[fieldOffer]; ok {
		doc.Offer = &models.SessionDescription{}
		if err := json.Unmarshal([]byte(raw), doc.Offer); err != nil {
			return models.PeerDocument{}, fmt.Errorf("decode offer: %w", err)
		}
	}
	if raw, ok := fields[fieldAnswer]; ok {
		doc.Answer = &models.SessionDescription{}
		if err := json.Unmarshal([]byte(raw), doc.Answer); err != nil {
			return models.PeerDocument{}, fmt.Errorf("decode answer: %w", err)
		}
	}
	if raw, ok := fields[fieldControls]; ok {
		doc.Controls = &models.ControlState{}
		if err := json.Unmarshal([]byte(raw), doc.Controls); err != nil {
			return models.PeerDocument{}, fmt.Errorf("decode controls: %w", err)
		}
	}
	return doc, nil
}
