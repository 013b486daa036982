package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/middleware"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/negotiator"
	"github.com/mossy-p/camlink/internal/session"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/mossy-p/camlink/internal/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-test-secret"

type stubSource struct {
	err error
}

func (s stubSource) Acquire(ctx context.Context) ([]media.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []media.Track{
		&transporttest.Track{TrackID: "video", TrackKind: media.KindVideo},
		&transporttest.Track{TrackID: "audio", TrackKind: media.KindAudio},
	}, nil
}

func (s stubSource) AcquireAudio(ctx context.Context) (media.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &transporttest.Track{TrackID: "talkback", TrackKind: media.KindAudio}, nil
}

type testServer struct {
	router      *gin.Engine
	channel     *signaling.Memory
	participant *negotiator.Participant
	token       string
	tracks      chan negotiator.TrackEvent
}

func newTestServer(t *testing.T, src media.Source) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ch := signaling.NewMemory()
	p, err := negotiator.NewParticipant(negotiator.Config{
		Identity:   "operator",
		DeviceID:   "device-1",
		Channel:    ch,
		Transports: &transporttest.Factory{},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(p.LeaveRoom)

	ts := &testServer{
		router:      gin.New(),
		channel:     ch,
		participant: p,
		tracks:      make(chan negotiator.TrackEvent, 8),
	}
	ts.router.Use(OriginFilter([]string{"http://localhost:3000"}))
	New(Options{
		Participant: p,
		Channel:     ch,
		Source:      src,
		Logger:      zerolog.Nop(),
		OnTrack:     func(ev negotiator.TrackEvent) { ts.tracks <- ev },
	}).Register(ts.router, testSecret)

	ts.token, err = middleware.IssueToken(testSecret, "operator", time.Hour)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, stubSource{})
	w := ts.do(http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, stubSource{})

	w := ts.do(http.MethodPost, "/api/auth/login", LoginRequest{Username: "alice", Password: "x"}, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LoginResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)

	claims, err := middleware.ParseToken(testSecret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	w = ts.do(http.MethodPost, "/api/auth/login", gin.H{"username": "alice"}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRoomRequiresToken(t *testing.T) {
	ts := newTestServer(t, stubSource{})

	w := ts.do(http.MethodPost, "/api/rooms", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/api/rooms", nil, true)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[models.CreateRoomResponse](t, w)
	assert.Len(t, resp.RoomID, roomCodeLength)
	for _, r := range resp.RoomID {
		assert.True(t, strings.ContainsRune(codeChars, r), "unexpected rune %q", r)
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	ts := newTestServer(t, stubSource{})

	w := ts.do(http.MethodPost, "/api/rooms/room1/broadcast", nil, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	status := decode[models.RoomStatus](t, w)
	assert.Equal(t, "ROOM1", status.RoomID)
	assert.Equal(t, string(session.RoleBroadcaster), status.Role)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "device-1", status.Sessions[0].PeerID)

	w = ts.do(http.MethodGet, "/api/rooms/room1", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[models.RoomInfo](t, w)
	require.Len(t, info.Peers, 1)
	assert.True(t, info.Peers[0].AwaitingAnswer())

	// the device is still in the room
	w = ts.do(http.MethodDelete, "/api/rooms/ROOM1", nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodDelete, "/api/session", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[models.RoomStatus](t, w).Sessions)

	w = ts.do(http.MethodDelete, "/api/session", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodDelete, "/api/rooms/ROOM1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(http.MethodGet, "/api/rooms/room1", nil, false)
	assert.Empty(t, decode[models.RoomInfo](t, w).Peers)
}

func TestBroadcastHardwareFailure(t *testing.T) {
	ts := newTestServer(t, stubSource{err: &media.HardwareError{Device: "video", Err: errors.New("busy")}})

	w := ts.do(http.MethodPost, "/api/rooms/room1/broadcast", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, ts.participant.Status().RoomID)
}

func TestMonitorAndControls(t *testing.T) {
	ts := newTestServer(t, stubSource{})
	ctx := context.Background()

	controls := models.DefaultControls()
	require.NoError(t, ts.channel.PutDocument(ctx, "ROOM1", models.PeerDocument{
		PeerID:    "camA",
		CreatedBy: "camera-user",
		Offer:     &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake-offer-camA"},
		Controls:  &controls,
	}))

	w := ts.do(http.MethodPost, "/api/rooms/room1/monitor", MonitorRequest{Talkback: true}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		doc, err := ts.channel.GetDocument(ctx, "ROOM1", "camA")
		return err == nil && doc.Answer != nil
	}, 2*time.Second, 5*time.Millisecond)

	zoom := 10.0
	w = ts.do(http.MethodPatch, "/api/peers/camA/controls", models.PartialControl{Zoom: &zoom}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	state := decode[models.ControlState](t, w)
	assert.Equal(t, models.MaxZoom, state.Zoom)

	doc, err := ts.channel.GetDocument(ctx, "ROOM1", "camA")
	require.NoError(t, err)
	assert.Equal(t, models.MaxZoom, doc.CurrentControls().Zoom)

	w = ts.do(http.MethodPatch, "/api/peers/camB/controls", models.PartialControl{Zoom: &zoom}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestControlsWithoutRoom(t *testing.T) {
	ts := newTestServer(t, stubSource{})
	zoom := 2.0

	w := ts.do(http.MethodPatch, "/api/peers/camA/controls", models.PartialControl{Zoom: &zoom}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/api/rooms/room1/broadcast", nil, true)
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.do(http.MethodPatch, "/api/peers/camA/controls", models.PartialControl{Zoom: &zoom}, true)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOriginFilter(t *testing.T) {
	ts := newTestServer(t, stubSource{})

	tests := []struct {
		name   string
		method string
		origin string
		want   int
	}{
		{"no origin", http.MethodGet, "", http.StatusOK},
		{"allowed origin", http.MethodGet, "http://localhost:3000", http.StatusOK},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent},
		{"foreign origin", http.MethodGet, "https://evil.example", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want != http.StatusForbidden && tt.origin != "" {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{negotiator.ErrInvalidRoomID, http.StatusBadRequest},
		{negotiator.ErrUnknownPeer, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", session.ErrDuplicateSession), http.StatusConflict},
		{&signaling.ChannelError{Op: "put", Err: errors.New("down")}, http.StatusBadGateway},
		{&negotiator.NegotiationError{PeerID: "camA", Op: "answer", Err: errors.New("bad sdp")}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, stubSource{})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	w := ts.do(http.MethodPost, "/api/rooms/room1/broadcast", nil, true)
	require.Equal(t, http.StatusCreated, w.Code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=" + ts.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	ts.participant.LeaveRoom()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.EventMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, models.EventTypeRoomLeft, msg.Type)
	assert.Equal(t, "ROOM1", msg.RoomID)
}

func TestEventStreamRequiresToken(t *testing.T) {
	ts := newTestServer(t, stubSource{})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
