package service

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"walink/internal/database"
	"walink/internal/metrics"
	"walink/internal/models"
	"walink/pkg/provider"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock provider gateway
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*provider.CreateInstanceResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.CreateInstanceResult), args.Error(1)
}

func (m *mockGateway) GetQRCode(ctx context.Context, instanceID string) (*provider.QRCodeResult, error) {
	args := m.Called(ctx, instanceID)
	if fn, ok := args.Get(0).(func(context.Context, string) *provider.QRCodeResult); ok {
		return fn(ctx, instanceID), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.QRCodeResult), args.Error(1)
}

func (m *mockGateway) CheckStatus(ctx context.Context, instanceID string) (*provider.StatusResult, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.StatusResult), args.Error(1)
}

func (m *mockGateway) DeleteInstance(ctx context.Context, instanceID string) error {
	args := m.Called(ctx, instanceID)
	return args.Error(0)
}

// Mock store for failure paths the real database cannot produce on demand
type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *mockStore) GetConnection(ctx context.Context, id, userID string) (*models.Connection, error) {
	args := m.Called(ctx, id, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Connection), args.Error(1)
}

func (m *mockStore) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Connection), args.Error(1)
}

func (m *mockStore) UpdateConnection(ctx context.Context, id, userID string, mutate database.Mutator) (*models.Connection, bool, error) {
	args := m.Called(ctx, id, userID, mutate)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Connection), args.Bool(1), args.Error(2)
}

type recordingForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingForwarder) Forward(ctx context.Context, instanceID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instanceID)
	return nil
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recorder collects attempt updates
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, u := range r.updates {
		if len(out) == 0 || out[len(out)-1] != u.Phase {
			out = append(out, u.Phase)
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}
	}
	return r.updates[len(r.updates)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(models.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "service_test.db"),
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fastTimings keeps polling tests in the millisecond range
func fastTimings() Timings {
	return Timings{
		QRPollInterval:     5 * time.Millisecond,
		QRTimeout:          100 * time.Millisecond,
		StatusInitialDelay: 5 * time.Millisecond,
		StatusPollInterval: 5 * time.Millisecond,
		StatusTimeout:      200 * time.Millisecond,
		QRCountdown:        time.Second,
	}
}

func newTestOrchestrator(t *testing.T, store Store, gw provider.Gateway, timings Timings) *Orchestrator {
	t.Helper()
	return NewOrchestrator(store, gw, timings, quietLogger(), metrics.NewRegistry())
}

// seedConnection stores a connection in the given status
func seedConnection(t *testing.T, db *database.Database, id, userID, instanceID string, status models.ConnectionStatus) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		ID:          id,
		UserID:      userID,
		InstanceID:  instanceID,
		DisplayName: "Minha Empresa",
		Status:      status,
	}
	require.NoError(t, db.CreateConnection(context.Background(), conn))
	return conn
}
