package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/dto"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/models"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/service"
	"github.com/smartobjectoriented/soo/internal/microservices/tcp"
)

// MockAuthService mocks the AuthService interface
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) Login(username, password string) (string, time.Duration, error) {
	args := m.Called(username, password)
	return args.String(0), args.Get(1).(time.Duration), args.Error(2)
}

func (m *MockAuthService) ValidateToken(tokenString string) (*service.Claims, error) {
	args := m.Called(tokenString)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Claims), args.Error(1)
}

// MockRelayService mocks the RelayService interface
type MockRelayService struct {
	mock.Mock
}

func (m *MockRelayService) PeerCount() int {
	return m.Called().Int(0)
}

func (m *MockRelayService) Peers() []tcp.PeerInfo {
	return m.Called().Get(0).([]tcp.PeerInfo)
}

func (m *MockRelayService) Stats() tcp.StatsSnapshot {
	return m.Called().Get(0).(tcp.StatsSnapshot)
}

func (m *MockRelayService) Presence(ctx context.Context) ([]tcp.PresenceRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]tcp.PresenceRecord), args.Error(1)
}

func (m *MockRelayService) RecentSessions(ctx context.Context, peerAddr string, limit int) ([]models.RelaySession, int64, error) {
	args := m.Called(ctx, peerAddr, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]models.RelaySession), args.Get(1).(int64), args.Error(2)
}

func (m *MockRelayService) Session(ctx context.Context, sessionID string) (*models.RelaySession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RelaySession), args.Error(1)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLogin_Success(t *testing.T) {
	mockAuthService := new(MockAuthService)
	router := setupRouter()
	router.POST("/login", NewAuthHandler(mockAuthService).Login)

	mockAuthService.On("Login", "admin", "secret").Return("token-123", 15*time.Minute, nil)

	w := postJSON(t, router, "/login", dto.LoginRequest{Username: "admin", Password: "secret"})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "token-123", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	mockAuthService.AssertExpectations(t)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	mockAuthService := new(MockAuthService)
	router := setupRouter()
	router.POST("/login", NewAuthHandler(mockAuthService).Login)

	mockAuthService.On("Login", "admin", "wrong").Return("", time.Duration(0), service.ErrInvalidCredentials)

	w := postJSON(t, router, "/login", dto.LoginRequest{Username: "admin", Password: "wrong"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	mockAuthService.AssertExpectations(t)
}

func TestLogin_MissingFields(t *testing.T) {
	mockAuthService := new(MockAuthService)
	router := setupRouter()
	router.POST("/login", NewAuthHandler(mockAuthService).Login)

	w := postJSON(t, router, "/login", map[string]string{"username": "admin"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockAuthService.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
}

func TestLogin_SigningFailure(t *testing.T) {
	mockAuthService := new(MockAuthService)
	router := setupRouter()
	router.POST("/login", NewAuthHandler(mockAuthService).Login)

	mockAuthService.On("Login", "admin", "secret").Return("", time.Duration(0), errors.New("boom"))

	w := postJSON(t, router, "/login", dto.LoginRequest{Username: "admin", Password: "secret"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealth(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/health", NewRelayHandler(mockRelay).Health)

	mockRelay.On("PeerCount").Return(3)

	w := get(router, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Peers)
}

func TestListPeers(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/peers", NewRelayHandler(mockRelay).ListPeers)

	connected := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mockRelay.On("Peers").Return([]tcp.PeerInfo{
		{Remote: "10.0.0.1:5000", SessionID: "s-1", ConnectedAt: connected, MessagesIn: 4, BytesIn: 40},
		{Remote: "10.0.0.2:5000", SessionID: "s-2", ConnectedAt: connected, ProbesSent: 1},
	})

	w := get(router, "/peers")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.PeersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "10.0.0.1:5000", resp.Peers[0].Remote)
	assert.Equal(t, int64(40), resp.Peers[0].BytesIn)
	assert.Equal(t, int64(1), resp.Peers[1].ProbesSent)
}

func TestListPeers_Empty(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/peers", NewRelayHandler(mockRelay).ListPeers)

	mockRelay.On("Peers").Return([]tcp.PeerInfo{})

	w := get(router, "/peers")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":0,"peers":[]}`, w.Body.String())
}

func TestGetStats(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/stats", NewRelayHandler(mockRelay).GetStats)

	mockRelay.On("Stats").Return(tcp.StatsSnapshot{ActivePeers: 2, MessagesIn: 10, BytesOut: 99})

	w := get(router, "/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp tcp.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.ActivePeers)
	assert.Equal(t, int64(10), resp.MessagesIn)
	assert.Equal(t, int64(99), resp.BytesOut)
}

func TestListPresence(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/presence", NewRelayHandler(mockRelay).ListPresence)

	mockRelay.On("Presence", mock.Anything).Return([]tcp.PresenceRecord{{PeerID: "10.0.0.1:5000"}}, nil)

	w := get(router, "/presence")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int                  `json:"count"`
		Peers []tcp.PresenceRecord `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "10.0.0.1:5000", resp.Peers[0].PeerID)
}

func TestListPresence_StoreDown(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/presence", NewRelayHandler(mockRelay).ListPresence)

	mockRelay.On("Presence", mock.Anything).Return(nil, errors.New("dial tcp: refused"))

	w := get(router, "/presence")

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestListSessions_Defaults(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions", NewRelayHandler(mockRelay).ListSessions)

	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	mockRelay.On("RecentSessions", mock.Anything, "", service.DefaultSessionLimit).Return([]models.RelaySession{
		{SessionID: "s-1", PeerAddr: "10.0.0.1:5000", ConnectedAt: start, DisconnectedAt: start.Add(90 * time.Second), Reason: "closed"},
	}, int64(7), nil)

	w := get(router, "/sessions")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.Total)
	assert.Equal(t, service.DefaultSessionLimit, resp.Limit)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, 90.0, resp.Sessions[0].DurationSeconds)
	mockRelay.AssertExpectations(t)
}

func TestListSessions_PeerAndLimit(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions", NewRelayHandler(mockRelay).ListSessions)

	mockRelay.On("RecentSessions", mock.Anything, "10.0.0.1:5000", service.MaxSessionLimit).
		Return([]models.RelaySession{}, int64(0), nil)

	w := get(router, "/sessions?peer=10.0.0.1:5000&limit=5000")

	assert.Equal(t, http.StatusOK, w.Code)
	mockRelay.AssertExpectations(t)
}

func TestListSessions_BadLimit(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions", NewRelayHandler(mockRelay).ListSessions)

	for _, q := range []string{"?limit=abc", "?limit=0", "?limit=-3"} {
		w := get(router, "/sessions"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	mockRelay.AssertNotCalled(t, "RecentSessions", mock.Anything, mock.Anything, mock.Anything)
}

func TestListSessions_AuditDisabled(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions", NewRelayHandler(mockRelay).ListSessions)

	mockRelay.On("RecentSessions", mock.Anything, "", service.DefaultSessionLimit).
		Return(nil, int64(0), service.ErrAuditDisabled)

	w := get(router, "/sessions")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListSessions_StoreError(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions", NewRelayHandler(mockRelay).ListSessions)

	mockRelay.On("RecentSessions", mock.Anything, "", service.DefaultSessionLimit).
		Return(nil, int64(0), errors.New("connection reset"))

	w := get(router, "/sessions")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetStats_IncludesDrops(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/stats", NewRelayHandler(mockRelay).GetStats)

	mockRelay.On("Stats").Return(tcp.StatsSnapshot{Dropped: map[string]int64{"session_audit": 3, "monitor": 0}})

	w := get(router, "/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp tcp.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Dropped["session_audit"])
	assert.Contains(t, resp.Dropped, "monitor")
}

func TestGetSession(t *testing.T) {
	mockRelay := new(MockRelayService)
	router := setupRouter()
	router.GET("/sessions/:id", NewRelayHandler(mockRelay).GetSession)

	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	mockRelay.On("Session", mock.Anything, "s-1").Return(&models.RelaySession{
		SessionID: "s-1", PeerAddr: "10.0.0.1:5000", ConnectedAt: start, DisconnectedAt: start.Add(time.Minute), Reason: "EOF",
	}, nil)

	w := get(router, "/sessions/s-1")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "10.0.0.1:5000", resp.PeerAddr)
	assert.Equal(t, 60.0, resp.DurationSeconds)
	assert.Equal(t, "EOF", resp.Reason)
}

func TestGetSession_Errors(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"unknown":  {service.ErrSessionNotFound, http.StatusNotFound},
		"disabled": {service.ErrAuditDisabled, http.StatusServiceUnavailable},
		"store":    {errors.New("connection reset"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mockRelay := new(MockRelayService)
			router := setupRouter()
			router.GET("/sessions/:id", NewRelayHandler(mockRelay).GetSession)
			mockRelay.On("Session", mock.Anything, "s-x").Return(nil, tc.err)

			w := get(router, "/sessions/s-x")

			assert.Equal(t, tc.code, w.Code)
		})
	}
}
