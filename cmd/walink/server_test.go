package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"walink/internal/database"
	apperrors "walink/internal/errors"
	"walink/internal/ingest"
	"walink/internal/metrics"
	"walink/internal/middleware"
	"walink/internal/models"
	"walink/internal/security"
	"walink/internal/service"
	"walink/pkg/circuitbreaker"
	"walink/pkg/provider"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "hook-secret"
	testJWTSecret     = "server-test-jwt-secret-server-test-jwt"
	testUser          = "user-1"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*provider.CreateInstanceResult, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*provider.CreateInstanceResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) GetQRCode(ctx context.Context, instanceID string) (*provider.QRCodeResult, error) {
	args := m.Called(ctx, instanceID)
	if res := args.Get(0); res != nil {
		return res.(*provider.QRCodeResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) CheckStatus(ctx context.Context, instanceID string) (*provider.StatusResult, error) {
	args := m.Called(ctx, instanceID)
	if res := args.Get(0); res != nil {
		return res.(*provider.StatusResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) DeleteInstance(ctx context.Context, instanceID string) error {
	return m.Called(ctx, instanceID).Error(0)
}

type failingStore struct{}

func (failingStore) HealthCheck(ctx context.Context) error {
	return apperrors.NewDatabaseError("ping", io.ErrUnexpectedEOF)
}

type testServer struct {
	server   *Server
	db       *database.Database
	gateway  *MockGateway
	registry *metrics.Registry
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.New(models.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &models.Config{
		Server: models.ServerConfig{
			Port:                8080,
			WebhookSecret:       testWebhookSecret,
			WebhookMaxBodyBytes: 1 << 20,
		},
		Auth: models.AuthConfig{JWTSecret: testJWTSecret},
	}

	gw := new(MockGateway)
	registry := metrics.NewRegistry()
	orch := service.NewOrchestrator(db, gw, service.Timings{
		QRPollInterval:     5 * time.Millisecond,
		QRTimeout:          200 * time.Millisecond,
		StatusInitialDelay: time.Millisecond,
		StatusPollInterval: 5 * time.Millisecond,
		StatusTimeout:      200 * time.Millisecond,
		QRCountdown:        30 * time.Second,
	}, logger, registry)
	reconciler := service.NewReconciler(db, ingest.NewLogForwarder(logger), logger, registry)

	server := NewServer(cfg, Dependencies{
		Orchestrator: orch,
		Reconciler:   reconciler,
		Store:        db,
		Breaker:      circuitbreaker.New(circuitbreaker.Config{Name: "provider"}),
		Registry:     registry,
	}, logger)

	token, err := middleware.NewTokenVerifier(testJWTSecret, "").Sign(testUser, time.Hour)
	require.NoError(t, err)

	return &testServer{server: server, db: db, gateway: gw, registry: registry, token: token}
}

func (ts *testServer) seed(t *testing.T, id string, status models.ConnectionStatus) {
	t.Helper()
	require.NoError(t, ts.db.CreateConnection(context.Background(), &models.Connection{
		ID:          id,
		UserID:      testUser,
		InstanceID:  "wl-" + id,
		DisplayName: "Loja Centro",
		Status:      status,
	}))
}

func (ts *testServer) api(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) webhook(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/provider", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestServer_ProviderWebhook(t *testing.T) {
	openEvent := `{"event":"CONNECTION_UPDATE","instance":"wl-c1","data":{"state":"open"}}`

	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantStatus int
		wantResult string
		wantCode   apperrors.ErrorCode
		wantLinked bool
	}{
		{
			name:       "missing credentials",
			body:       openEvent,
			wantStatus: http.StatusUnauthorized,
			wantCode:   apperrors.ErrCodeUnauthorized,
		},
		{
			name:       "wrong api key",
			body:       openEvent,
			headers:    map[string]string{security.APIKeyHeader: "nope"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   apperrors.ErrCodeUnauthorized,
		},
		{
			name:       "api key links the connection",
			body:       openEvent,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusOK,
			wantResult: service.ResultApplied,
			wantLinked: true,
		},
		{
			name:       "signed body links the connection",
			body:       openEvent,
			headers:    map[string]string{security.SignatureHeader: security.Sign([]byte(openEvent), testWebhookSecret)},
			wantStatus: http.StatusOK,
			wantResult: service.ResultApplied,
			wantLinked: true,
		},
		{
			name:       "unparseable body",
			body:       `{"event":`,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.ErrCodeValidationFailed,
		},
		{
			name:       "unknown instance is accepted",
			body:       `{"event":"connection.update","instance":"wl-ghost","data":{"state":"open"}}`,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusOK,
			wantResult: service.ResultUnmatched,
		},
		{
			name:       "unknown event is ignored",
			body:       `{"event":"CHATS_UPDATE","instance":"wl-c1","data":{}}`,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusOK,
			wantResult: service.ResultIgnored,
		},
		{
			name:       "malformed instance cannot match",
			body:       `{"event":"connection.update","instance":"wl c1","data":{"state":"open"}}`,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusOK,
			wantResult: service.ResultUnmatched,
		},
		{
			name:       "state change without instance",
			body:       `{"event":"connection.update","data":{"state":"open"}}`,
			headers:    map[string]string{security.APIKeyHeader: testWebhookSecret},
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.ErrCodeValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.seed(t, "c1", models.StatusQRIssued)

			w := ts.webhook(tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			} else {
				var resp webhookResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.True(t, resp.Success)
				assert.Equal(t, tt.wantResult, resp.Result)
			}

			stored, err := ts.db.GetConnection(context.Background(), "c1", testUser)
			require.NoError(t, err)
			if tt.wantLinked {
				assert.Equal(t, models.StatusConnected, stored.Status)
			} else {
				assert.Equal(t, models.StatusQRIssued, stored.Status)
			}
		})
	}
}

func TestServer_ProviderWebhookPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/webhook/provider", nil)
	req.Header.Set("Origin", "https://provider.example.com")
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CreateConnection(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.On("CreateInstance", mock.Anything, mock.MatchedBy(func(req provider.CreateInstanceRequest) bool {
		return strings.HasPrefix(req.InstanceName, service.InstanceNamePrefix) && req.Number == "5511999999999"
	})).Return(&provider.CreateInstanceResult{Success: true, InstanceID: "wl-created", QRCode: "ignored"}, nil).Once()

	w := ts.api(http.MethodPost, "/api/connections", `{"name":" Loja Centro ","phone":"+55 (11) 99999-9999"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var conn models.Connection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conn))
	assert.Equal(t, "Loja Centro", conn.DisplayName)
	assert.Equal(t, models.StatusPending, conn.Status)
	assert.Equal(t, testUser, conn.UserID)
	assert.Empty(t, conn.QRCode)
	ts.gateway.AssertExpectations(t)

	w = ts.api(http.MethodGet, "/api/connections", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Connections []*models.Connection `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Connections, 1)
	assert.Equal(t, conn.ID, list.Connections[0].ID)
}

func TestServer_CreateConnectionRejectsInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed body", body: `{"name":`},
		{name: "blank name", body: `{"name":"   "}`},
		{name: "short phone", body: `{"name":"Loja","phone":"123"}`},
		{name: "oversized body", body: `{"name":"` + strings.Repeat("a", maxCreateBodyBytes) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.api(http.MethodPost, "/api/connections", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, apperrors.ErrCodeValidationFailed, decodeError(t, w).Code)
			ts.gateway.AssertNotCalled(t, "CreateInstance", mock.Anything, mock.Anything)
		})
	}
}

func TestServer_RequiresUserToken(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, decodeError(t, w).Code)
}

func TestServer_GetConnection(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "c1", models.StatusPending)

	w := ts.api(http.MethodGet, "/api/connections/c1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.api(http.MethodGet, "/api/connections/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, decodeError(t, w).Code)
}

func TestServer_QRCode(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "c1", models.StatusPending)
	ts.gateway.On("GetQRCode", mock.Anything, "wl-c1").
		Return(&provider.QRCodeResult{Success: false}, nil).Once()
	ts.gateway.On("GetQRCode", mock.Anything, "wl-c1").
		Return(&provider.QRCodeResult{Success: true, QRCode: "data:image/png;base64,AAA"}, nil)

	w := ts.api(http.MethodPost, "/api/connections/c1/qrcode", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp qrCodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "data:image/png;base64,AAA", resp.QRCode)
	assert.Equal(t, 30, resp.Countdown)

	stored, err := ts.db.GetConnection(context.Background(), "c1", testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQRIssued, stored.Status)

	w = ts.api(http.MethodPost, "/api/connections/c1/qrcode/refresh", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestServer_QRCodeTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "c1", models.StatusPending)
	ts.gateway.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{}, nil)

	w := ts.api(http.MethodPost, "/api/connections/c1/qrcode", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, apperrors.ErrCodeQRTimeout, decodeError(t, w).Code)

	stored, err := ts.db.GetConnection(context.Background(), "c1", testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestServer_QRCodeAlreadyConnected(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "c1", models.StatusConnected)

	w := ts.api(http.MethodPost, "/api/connections/c1/qrcode", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeConflict, decodeError(t, w).Code)
	ts.gateway.AssertNotCalled(t, "GetQRCode", mock.Anything, mock.Anything)
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "c1", models.StatusQRIssued)
	ts.gateway.On("CheckStatus", mock.Anything, "wl-c1").
		Return(&provider.StatusResult{Connected: true, State: provider.StateOpen}, nil).Once()

	w := ts.api(http.MethodGet, "/api/connections/c1/status", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	require.NotNil(t, resp.Connection)
	assert.Equal(t, models.StatusConnected, resp.Connection.Status)

	// linked rows answer from the store without asking the provider again
	w = ts.api(http.MethodGet, "/api/connections/c1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	ts.gateway.AssertNumberOfCalls(t, "CheckStatus", 1)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "CLOSED", resp["provider"].(map[string]interface{})["state"])

	ts.server.deps.Store = failingStore{}
	w = httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook(`{"event":"qrcode.updated","instance":"wl-ghost","data":{"qrcode":"abc"}}`,
		map[string]string{security.APIKeyHeader: testWebhookSecret})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))

	var snapshot metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))

	var webhookSeen, httpSeen bool
	for _, c := range snapshot.Counters {
		switch c.Name {
		case metrics.WebhookEvents:
			webhookSeen = c.Labels["event"] == models.EventQRCodeUpdated && c.Labels["result"] == service.ResultUnmatched
		case metrics.HTTPRequests:
			httpSeen = httpSeen || c.Labels["route"] == "/webhook/provider"
		}
	}
	assert.True(t, webhookSeen)
	assert.True(t, httpSeen)
}

func TestServer_RecoversPanics(t *testing.T) {
	ts := newTestServer(t)
	ts.server.router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperrors.ErrCodeInternalError, decodeError(t, w).Code)
}
