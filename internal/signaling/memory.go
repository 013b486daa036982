package signaling

import (
	"context"
	"sync"

	"github.com/mossy-p/camlink/internal/models"
)

// Memory is an in-process Channel. All participants sharing one Memory see
// each other's writes; it backs single-process setups and tests.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	docs       map[string]*models.PeerDocument
	order      []string
	candidates map[candidateKey][]models.IceCandidate
	docWatch   map[*docWatcher]struct{}
	candWatch  map[*candidateWatcher]struct{}
}

type candidateKey struct {
	peerID string
	side   models.CandidateSide
}

// docWatcher with an empty peerID follows the whole room.
type docWatcher struct {
	peerID string
	feed   *Feed[models.PeerDocument]
}

type candidateWatcher struct {
	key  candidateKey
	feed *Feed[models.IceCandidate]
}

// NewMemory creates an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memRoom)}
}

// room returns the room, creating it. Read paths use lookup instead so
// queries for unknown rooms allocate nothing.
func (m *Memory) room(roomID string) *memRoom {
	r, ok := m.rooms[roomID]
	if !ok {
		r = &memRoom{
			docs:       make(map[string]*models.PeerDocument),
			candidates: make(map[candidateKey][]models.IceCandidate),
			docWatch:   make(map[*docWatcher]struct{}),
			candWatch:  make(map[*candidateWatcher]struct{}),
		}
		m.rooms[roomID] = r
	}
	return r
}

// lookup returns the room or nil. Must be called with m.mu held.
func (m *Memory) lookup(roomID string) *memRoom {
	return m.rooms[roomID]
}

// release forgets r once it holds nothing and nobody watches it. Must be
// called with m.mu held.
func (m *Memory) release(roomID string, r *memRoom) {
	if m.rooms[roomID] != r {
		return
	}
	if len(r.docs) == 0 && len(r.candidates) == 0 && len(r.docWatch) == 0 && len(r.candWatch) == 0 {
		delete(m.rooms, roomID)
	}
}

func (m *Memory) PutDocument(ctx context.Context, roomID string, doc models.PeerDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.room(roomID)
	if _, exists := r.docs[doc.PeerID]; !exists {
		r.order = append(r.order, doc.PeerID)
	}
	stored := doc.Clone()
	r.docs[doc.PeerID] = &stored
	// a replaced document starts a fresh negotiation
	delete(r.candidates, candidateKey{doc.PeerID, models.OfferSide})
	delete(r.candidates, candidateKey{doc.PeerID, models.AnswerSide})
	r.notifyDoc(stored)
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, roomID, peerID string) (models.PeerDocument, error) {
	if err := ctx.Err(); err != nil {
		return models.PeerDocument{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(roomID)
	if r == nil {
		return models.PeerDocument{}, ErrNotFound
	}
	doc, ok := r.docs[peerID]
	if !ok {
		return models.PeerDocument{}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) SetAnswer(ctx context.Context, roomID, peerID string, answer models.SessionDescription) error {
	return m.update(ctx, roomID, peerID, func(doc *models.PeerDocument) {
		doc.Answer = &answer
	})
}

func (m *Memory) SetControls(ctx context.Context, roomID, peerID string, controls models.ControlState) error {
	return m.update(ctx, roomID, peerID, func(doc *models.PeerDocument) {
		doc.Controls = &controls
	})
}

func (m *Memory) update(ctx context.Context, roomID, peerID string, fn func(*models.PeerDocument)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(roomID)
	if r == nil {
		return ErrNotFound
	}
	doc, ok := r.docs[peerID]
	if !ok {
		return ErrNotFound
	}
	fn(doc)
	r.notifyDoc(doc.Clone())
	return nil
}

func (m *Memory) AppendCandidate(ctx context.Context, roomID, peerID string, side models.CandidateSide, c models.IceCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.room(roomID)
	key := candidateKey{peerID, side}
	r.candidates[key] = append(r.candidates[key], c)
	for w := range r.candWatch {
		if w.key == key {
			w.feed.Push(c)
		}
	}
	return nil
}

func (m *Memory) ListPeers(ctx context.Context, roomID string) ([]models.PeerDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(roomID)
	if r == nil {
		return []models.PeerDocument{}, nil
	}
	out := make([]models.PeerDocument, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.docs[id].Clone())
	}
	return out, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	r.docs = make(map[string]*models.PeerDocument)
	r.order = nil
	r.candidates = make(map[candidateKey][]models.IceCandidate)
	m.release(roomID, r)
	return nil
}

func (m *Memory) WatchRoom(ctx context.Context, roomID string) (*Watch[models.PeerDocument], error) {
	return m.watchDocs(ctx, roomID, "")
}

func (m *Memory) WatchDocument(ctx context.Context, roomID, peerID string) (*Watch[models.PeerDocument], error) {
	return m.watchDocs(ctx, roomID, peerID)
}

func (m *Memory) watchDocs(ctx context.Context, roomID, peerID string) (*Watch[models.PeerDocument], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &docWatcher{peerID: peerID, feed: NewFeed[models.PeerDocument]()}

	m.mu.Lock()
	r := m.room(roomID)
	for _, id := range r.order {
		if peerID == "" || peerID == id {
			w.feed.Push(r.docs[id].Clone())
		}
	}
	r.docWatch[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan models.PeerDocument)
	go func() {
		w.feed.Run(ctx, out)
		m.mu.Lock()
		delete(r.docWatch, w)
		m.release(roomID, r)
		m.mu.Unlock()
	}()
	return NewWatch(out), nil
}

func (m *Memory) WatchCandidates(ctx context.Context, roomID, peerID string, side models.CandidateSide) (*Watch[models.IceCandidate], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := candidateKey{peerID, side}
	w := &candidateWatcher{key: key, feed: NewFeed[models.IceCandidate]()}

	m.mu.Lock()
	r := m.room(roomID)
	for _, c := range r.candidates[key] {
		w.feed.Push(c)
	}
	r.candWatch[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan models.IceCandidate)
	go func() {
		w.feed.Run(ctx, out)
		m.mu.Lock()
		delete(r.candWatch, w)
		m.release(roomID, r)
		m.mu.Unlock()
	}()
	return NewWatch(out), nil
}

// notifyDoc must be called with m.mu held.
func (r *memRoom) notifyDoc(doc models.PeerDocument) {
	for w := range r.docWatch {
		if w.peerID == "" || w.peerID == doc.PeerID {
			w.feed.Push(doc.Clone())
		}
	}
}
