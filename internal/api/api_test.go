package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/auth"
	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/repository"
)

type testServer struct {
	handler http.Handler
	jwt     *auth.JWTManager
	repo    *repository.MemoryRepository
	ws      *WebSocketManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	limits := domain.NewLimitEnforcer(repo, repo, domain.LimitConfig{SpotDailyCap: 3, SparkDailyCap: 20})

	spots := domain.NewSpotService(repo, limits, nil, logger)
	sparks := domain.NewSparkService(repo, nil, logger)
	detector := domain.NewDetector(repo, repo, limits, nil, domain.DefaultDetectorConfig(), logger)
	jwtManager := auth.NewJWTManager("test-secret", "signalspot", time.Hour)
	ws := NewWebSocketManager(nil, logger)

	router := NewRouter(
		NewSpotHandler(spots, logger),
		NewSparkHandler(sparks, logger),
		NewLocationHandler(detector, repo, logger),
		NewHealthHandler(repo, "test", logger),
		ws,
		jwtManager,
		RouterConfig{AllowedOrigins: []string{"*"}, RateLimitRPS: 1000, RateLimitBurst: 1000},
		logger,
	)
	return &testServer{handler: router.Setup(), jwt: jwtManager, repo: repo, ws: ws}
}

func (s *testServer) token(t *testing.T, userID uuid.UUID, verified bool) string {
	t.Helper()
	tok, err := s.jwt.GenerateAccessToken(userID, verified)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func validSpot() map[string]any {
	return map[string]any{
		"title":          "Coffee meetup",
		"description":    "Grab a coffee with neighbours this afternoon",
		"latitude":       37.5665,
		"longitude":      126.9780,
		"radius_meters":  500,
		"category":       "social",
		"duration_hours": 24,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestCreateSpotRequiresAuthAndVerification(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()

	code, _ := s.do(t, http.MethodPost, "/api/v1/spots", "", validSpot())
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/spots", s.token(t, userID, false), validSpot())
	assert.Equal(t, http.StatusForbidden, code)

	code, env := s.do(t, http.MethodPost, "/api/v1/spots", s.token(t, userID, true), validSpot())
	require.Equal(t, http.StatusCreated, code)

	var spot spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &spot))
	assert.Equal(t, userID, spot.CreatorID)
	assert.Equal(t, domain.SpotStatusActive, spot.Status)
	assert.Equal(t, 500, spot.RadiusMeters)
	assert.InDelta(t, 0.5, spot.RadiusKm, 1e-9)
}

func TestCreateSpotValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New(), true)

	body := validSpot()
	body["radius_meters"] = 5
	code, env := s.do(t, http.MethodPost, "/api/v1/spots", tok, body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	body = validSpot()
	body["unknown"] = true
	code, _ = s.do(t, http.MethodPost, "/api/v1/spots", tok, body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSpotDailyLimit(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, uuid.New(), true)

	for i := 0; i < 3; i++ {
		code, _ := s.do(t, http.MethodPost, "/api/v1/spots", tok, validSpot())
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ := s.do(t, http.MethodPost, "/api/v1/spots", tok, validSpot())
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func createSpot(t *testing.T, s *testServer, tok string, body map[string]any) spotResponse {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/spots", tok, body)
	require.Equal(t, http.StatusCreated, code)
	var spot spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &spot))
	return spot
}

func TestSpotOwnerActions(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, uuid.New(), true)
	other := s.token(t, uuid.New(), true)
	spot := createSpot(t, s, owner, validSpot())
	base := "/api/v1/spots/" + spot.ID.String()

	code, _ := s.do(t, http.MethodPost, base+"/pause", other, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env := s.do(t, http.MethodPost, base+"/pause", owner, nil)
	require.Equal(t, http.StatusOK, code)
	var paused spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &paused))
	assert.Equal(t, domain.SpotStatusPaused, paused.Status)

	code, _ = s.do(t, http.MethodPost, base+"/pause", owner, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPost, base+"/resume", owner, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, base+"/extend", owner, map[string]any{"hours": 24})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPut, base+"/visibility", owner, map[string]any{"visibility": "private"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, base, other, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodDelete, base, owner, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSpotExtendPastCap(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, uuid.New(), true)
	body := validSpot()
	body["duration_hours"] = 160
	spot := createSpot(t, s, owner, body)

	code, _ := s.do(t, http.MethodPost, "/api/v1/spots/"+spot.ID.String()+"/extend", owner, map[string]any{"hours": 12})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestSpotInteractions(t *testing.T) {
	s := newTestServer(t)
	ownerID := uuid.New()
	owner := s.token(t, ownerID, true)
	viewerID := uuid.New()
	viewer := s.token(t, viewerID, false)
	spot := createSpot(t, s, owner, validSpot())
	base := "/api/v1/spots/" + spot.ID.String()

	code, _ := s.do(t, http.MethodPost, base+"/interactions", owner, map[string]any{"type": "like"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, base+"/interactions", viewer, map[string]any{"type": "like"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPost, base+"/interactions", viewer, map[string]any{"type": "dislike"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPost, base+"/interactions", viewer, map[string]any{"type": "reply", "text": "count me in"})
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(t, http.MethodGet, base+"/statistics", viewer, nil)
	require.Equal(t, http.StatusOK, code)
	var stats domain.SpotStatistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 0, stats.Likes)
	assert.Equal(t, 1, stats.Dislikes)
	assert.Equal(t, 1, stats.Replies)

	code, env = s.do(t, http.MethodGet, base, viewer, nil)
	require.Equal(t, http.StatusOK, code)
	var got spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "dislike", got.MyReaction)

	code, env = s.do(t, http.MethodGet, base+"/replies", viewer, nil)
	require.Equal(t, http.StatusOK, code)
	var replies []domain.Interaction
	require.NoError(t, json.Unmarshal(env.Data, &replies))
	require.Len(t, replies, 1)
	assert.Equal(t, "count me in", replies[0].Text)

	code, _ = s.do(t, http.MethodPost, base+"/interactions", viewer, map[string]any{"type": "poke"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNearbySpots(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, uuid.New(), true)
	near := createSpot(t, s, owner, validSpot())

	far := validSpot()
	far["latitude"] = 37.60
	createSpot(t, s, owner, far)

	code, env := s.do(t, http.MethodGet, "/api/v1/spots/nearby?lat=37.5666&lng=126.9780&radius_km=1&order=distance", owner, nil)
	require.Equal(t, http.StatusOK, code)
	var results []spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, near.ID, results[0].ID)
	require.NotNil(t, results[0].DistanceMeters)
	assert.InDelta(t, 11.1, *results[0].DistanceMeters, 1)

	code, _ = s.do(t, http.MethodGet, "/api/v1/spots/nearby?lat=95&lng=0", owner, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/spots/nearby?lat=37.5&lng=126.9&order=popularity", owner, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNearbySpotsQueryRadiusIsIndependentOfSpotRadius(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, uuid.New(), true)
	body := validSpot()
	body["radius_meters"] = 200
	spot := createSpot(t, s, owner, body)

	// About 140 m from the spot.
	const center = "/api/v1/spots/nearby?lat=37.5675&lng=126.9790"

	code, env := s.do(t, http.MethodGet, center+"&radius_km=1", owner, nil)
	require.Equal(t, http.StatusOK, code)
	var results []spotResponse
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, spot.ID, results[0].ID)

	code, env = s.do(t, http.MethodGet, center+"&radius_km=0.05", owner, nil)
	require.Equal(t, http.StatusOK, code)
	results = nil
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Empty(t, results)
}

func TestNearbySpotsRejectsMalformedQuery(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, uuid.New(), true)

	for _, query := range []string{
		"&radius_km=abc",
		"&radius_km=-1",
		"&exclude_expired=yes",
		"&limit=ten",
		"&offset=-3",
	} {
		code, env := s.do(t, http.MethodGet, "/api/v1/spots/nearby?lat=37.5&lng=126.9"+query, owner, nil)
		assert.Equal(t, http.StatusBadRequest, code, query)
		require.NotNil(t, env.Error, query)
		assert.Equal(t, "VALIDATION_FAILED", env.Error.Code, query)
	}

	code, _ := s.do(t, http.MethodGet, "/api/v1/spots/nearby?lat=37.5&lng=126.9&exclude_expired=true&limit=5", owner, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/sparks?limit=many", owner, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLocationReportCreatesSpark(t *testing.T) {
	s := newTestServer(t)
	aliceID, bobID := uuid.New(), uuid.New()
	alice := s.token(t, aliceID, true)
	bob := s.token(t, bobID, true)

	code, _ := s.do(t, http.MethodPost, "/api/v1/location", s.token(t, aliceID, false), map[string]any{"latitude": 37.5665, "longitude": 126.9780})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/location", alice, map[string]any{"latitude": 37.5665, "longitude": 126.9780})
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodPost, "/api/v1/location", bob, map[string]any{"latitude": 37.5666, "longitude": 126.9780})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Sparks []sparkResponse `json:"sparks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.Sparks, 1)
	spark := out.Sparks[0]
	assert.Equal(t, aliceID, spark.OtherUserID)
	assert.Equal(t, domain.SparkStatusPending, spark.Status)

	code, env = s.do(t, http.MethodGet, "/api/v1/sparks?status=pending", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var listed []sparkResponse
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, bobID, listed[0].OtherUserID)

	stranger := s.token(t, uuid.New(), true)
	code, _ = s.do(t, http.MethodGet, "/api/v1/sparks/"+spark.ID.String(), stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(t, http.MethodPost, "/api/v1/sparks/"+spark.ID.String()+"/accept", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var accepted sparkResponse
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.True(t, accepted.AcceptedByMe)
	assert.False(t, accepted.AcceptedByOther)

	code, env = s.do(t, http.MethodPost, "/api/v1/sparks/"+spark.ID.String()+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, code)
	var matched sparkResponse
	require.NoError(t, json.Unmarshal(env.Data, &matched))
	assert.Equal(t, domain.SparkStatusMatched, matched.Status)
	assert.NotNil(t, matched.MatchedAt)

	code, _ = s.do(t, http.MethodPost, "/api/v1/sparks/"+spark.ID.String()+"/reject", bob, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestDeviceRegistration(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	tok := s.token(t, userID, false)

	code, _ := s.do(t, http.MethodPost, "/api/v1/devices", tok, map[string]any{"token": "fcm-abc"})
	require.Equal(t, http.StatusOK, code)

	tokens, err := s.repo.DeviceTokens(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fcm-abc"}, tokens)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/devices/fcm-abc", tok, nil)
	assert.Equal(t, http.StatusNoContent, code)

	tokens, err = s.repo.DeviceTokens(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	code, _ = s.do(t, http.MethodPost, "/api/v1/devices", tok, map[string]any{"token": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebSocketSinkTargetsRecipients(t *testing.T) {
	m := NewWebSocketManager(nil, zap.NewNop())
	userID := uuid.New()
	client := &wsClient{id: uuid.New(), userID: userID, send: make(chan []byte, 1)}
	require.True(t, m.attach(client))

	err := m.Deliver(context.Background(), domain.Event{Type: domain.EventSparkDetected, Recipients: []uuid.UUID{userID, uuid.New()}})
	require.NoError(t, err)

	select {
	case msg := <-client.send:
		var frame WSEvent
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, string(domain.EventSparkDetected), frame.Type)
	default:
		t.Fatal("expected a frame for the recipient")
	}
	assert.Equal(t, 1, m.Connected(userID))

	m.detach(client)
	m.detach(client)
	assert.Zero(t, m.Connected(userID))
}

func TestWebSocketManagerShutdown(t *testing.T) {
	m := NewWebSocketManager(nil, zap.NewNop())
	client := &wsClient{id: uuid.New(), userID: uuid.New(), send: make(chan []byte, 1)}
	require.True(t, m.attach(client))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, open := <-client.send
	assert.False(t, open)
	assert.False(t, m.attach(&wsClient{id: uuid.New(), userID: uuid.New(), send: make(chan []byte, 1)}))

	// Detaching after shutdown must not close the channel twice.
	m.detach(client)
}

func TestWebSocketEndToEnd(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.ws.Run(ctx)

	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	userID := uuid.New()
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+s.token(t, userID, false), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ws.Connected(userID) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.ws.Deliver(ctx, domain.Event{Type: domain.EventSparkMatched, Recipients: []uuid.UUID{userID}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame WSEvent
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, string(domain.EventSparkMatched), frame.Type)

	cancel()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
