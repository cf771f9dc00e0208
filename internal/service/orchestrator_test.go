package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "walink/internal/errors"
	"walink/internal/lifecycle"
	"walink/internal/metrics"
	"walink/internal/models"
	"walink/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDefaultClocksAreUTC(t *testing.T) {
	orch := NewOrchestrator(nil, nil, DefaultTimings(), quietLogger(), metrics.NewRegistry())
	rec := NewReconciler(nil, nil, quietLogger(), metrics.NewRegistry())

	assert.Equal(t, time.UTC, orch.now().Location())
	assert.Equal(t, time.UTC, rec.now().Location())
}

func TestTimingsFromConfig(t *testing.T) {
	defaults := TimingsFromConfig(models.PairingConfig{})
	assert.Equal(t, DefaultTimings(), defaults)
	assert.Equal(t, 3*time.Second, defaults.QRPollInterval)
	assert.Equal(t, 60*time.Second, defaults.QRTimeout)
	assert.Equal(t, 2*time.Second, defaults.StatusInitialDelay)
	assert.Equal(t, 120*time.Second, defaults.StatusTimeout)
	assert.Equal(t, 30*time.Second, defaults.QRCountdown)

	custom := TimingsFromConfig(models.PairingConfig{QRTimeoutSec: 10, QRMaxAttempts: 4, QRCountdownSec: 20})
	assert.Equal(t, 10*time.Second, custom.QRTimeout)
	assert.Equal(t, 4, custom.QRMaxAttempts)
	assert.Equal(t, 20*time.Second, custom.QRCountdown)
}

func TestCreateInstance_Success(t *testing.T) {
	db := setupTestDB(t)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())
	orch.newID = func() string { return "conn-1" }

	gw.On("CreateInstance", mock.Anything, provider.CreateInstanceRequest{
		InstanceName: "wl-conn-1",
		Number:       "11999999999",
	}).Return(&provider.CreateInstanceResult{Success: true, InstanceID: "wl-conn-1"}, nil).Once()

	conn, err := orch.CreateInstance(context.Background(), "user-1", "Minha Empresa", "11999999999")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", conn.ID)
	assert.Equal(t, "wl-conn-1", conn.InstanceID)
	assert.Equal(t, models.StatusPending, conn.Status)

	stored, err := db.GetConnection(context.Background(), "conn-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "Minha Empresa", stored.DisplayName)
	assert.Equal(t, "11999999999", stored.PhoneNumber)
	assert.Empty(t, stored.QRCode)

	gw.AssertNumberOfCalls(t, "CreateInstance", 1)
}

func TestCreateInstance_NormalizesInput(t *testing.T) {
	db := setupTestDB(t)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("CreateInstance", mock.Anything, mock.MatchedBy(func(req provider.CreateInstanceRequest) bool {
		return req.Number == "5511999999999"
	})).Return(&provider.CreateInstanceResult{Success: true, InstanceID: "wl-x"}, nil).Once()

	conn, err := orch.CreateInstance(context.Background(), "user-1", "  Loja  ", "+55 (11) 99999-9999")
	require.NoError(t, err)
	assert.Equal(t, "Loja", conn.DisplayName)
	assert.Equal(t, "5511999999999", conn.PhoneNumber)
}

func TestCreateInstance_ValidationNeverReachesProvider(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		dname  string
		phone  string
	}{
		{"empty name", "user-1", "", "11999999999"},
		{"whitespace name", "user-1", "   ", ""},
		{"short phone", "user-1", "Minha Empresa", "12345"},
		{"long phone", "user-1", "Minha Empresa", "1234567890123456"},
		{"missing user", "", "Minha Empresa", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			gw := new(mockGateway)
			orch := newTestOrchestrator(t, db, gw, fastTimings())

			_, err := orch.CreateInstance(context.Background(), tt.userID, tt.dname, tt.phone)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
			gw.AssertNotCalled(t, "CreateInstance", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateInstance_ProviderErrorWritesNothing(t *testing.T) {
	db := setupTestDB(t)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("CreateInstance", mock.Anything, mock.Anything).
		Return(nil, &provider.StatusError{Op: "create_instance", StatusCode: 500, Message: "boom"}).Once()

	_, err := orch.CreateInstance(context.Background(), "user-1", "Minha Empresa", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))
	assert.Equal(t, apperrors.UserMessageProvider, apperrors.GetUserMessage(err))

	conns, err := db.ListConnections(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
	gw.AssertNumberOfCalls(t, "CreateInstance", 1)
}

func TestCreateInstance_UnconfirmedCreation(t *testing.T) {
	db := setupTestDB(t)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("CreateInstance", mock.Anything, mock.Anything).
		Return(&provider.CreateInstanceResult{Success: false}, nil).Once()

	_, err := orch.CreateInstance(context.Background(), "user-1", "Minha Empresa", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))
}

func TestCreateInstance_StoreFailureDeletesInstance(t *testing.T) {
	store := new(mockStore)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, store, gw, fastTimings())
	orch.newID = func() string { return "conn-9" }

	gw.On("CreateInstance", mock.Anything, mock.Anything).
		Return(&provider.CreateInstanceResult{Success: true, InstanceID: "wl-conn-9"}, nil).Once()
	store.On("CreateConnection", mock.Anything, mock.Anything).
		Return(apperrors.NewDatabaseError("insert", errors.New("disk full"))).Once()
	gw.On("DeleteInstance", mock.Anything, "wl-conn-9").Return(nil).Once()

	_, err := orch.CreateInstance(context.Background(), "user-1", "Minha Empresa", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseQuery))
	gw.AssertExpectations(t)
}

func TestCreateInstance_CancelledAfterProviderCall(t *testing.T) {
	db := setupTestDB(t)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	ctx, cancel := context.WithCancel(context.Background())
	gw.On("CreateInstance", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&provider.CreateInstanceResult{Success: true, InstanceID: "wl-late"}, nil).Once()
	gw.On("DeleteInstance", mock.Anything, "wl-late").Return(nil).Once()

	_, err := orch.CreateInstance(ctx, "user-1", "Minha Empresa", "")
	assert.ErrorIs(t, err, context.Canceled)

	conns, err := db.ListConnections(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
	gw.AssertExpectations(t)
}

func TestAcquireQRCode_RetriesUntilCodeArrives(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true}, nil).Once()
	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(nil, &provider.StatusError{Op: "get_qrcode", StatusCode: 503}).Once()
	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true, QRCode: "data:image/png;base64,QR1"}, nil).Once()

	qr, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,QR1", qr)
	gw.AssertNumberOfCalls(t, "GetQRCode", 3)

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQRIssued, stored.Status)
	assert.Equal(t, "data:image/png;base64,QR1", stored.QRCode)
}

func TestAcquireQRCode_TimeoutLeavesStatusUnchanged(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true}, nil)

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQRTimeout))
	assert.Equal(t, apperrors.UserMessageQRTimeout, apperrors.GetUserMessage(err))

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, stored.QRCode)
}

func TestAcquireQRCode_MaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	timings := fastTimings()
	timings.QRTimeout = time.Second
	timings.QRMaxAttempts = 3
	orch := newTestOrchestrator(t, db, gw, timings)

	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true}, nil)

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQRTimeout))
	gw.AssertNumberOfCalls(t, "GetQRCode", 3)
}

func TestAcquireQRCode_RejectedRequestStopsPolling(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("GetQRCode", mock.Anything, "wl-c1").
		Return(nil, &provider.StatusError{Op: "get_qrcode", StatusCode: 401, Message: "bad apikey"})

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))
	gw.AssertNumberOfCalls(t, "GetQRCode", 1)
}

func TestAcquireQRCode_AlreadyConnected(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusConnected)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	gw.AssertNotCalled(t, "GetQRCode", mock.Anything, mock.Anything)
}

func TestAcquireQRCode_FailedConnection(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusFailed)
	orch := newTestOrchestrator(t, db, new(mockGateway), fastTimings())

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}

func TestAcquireQRCode_OtherUsersConnection(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	orch := newTestOrchestrator(t, db, new(mockGateway), fastTimings())

	_, err := orch.AcquireQRCode(context.Background(), "user-2", "c1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestAcquireQRCode_WebhookLinksDuringPolling(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("GetQRCode", mock.Anything, "wl-c1").
		Run(func(mock.Arguments) {
			_, _, _ = db.UpdateByInstance(context.Background(), "wl-c1", func(c *models.Connection) bool {
				return lifecycle.Apply(c, lifecycle.ProviderState{State: "open", At: time.Now()})
			})
		}).
		Return(&provider.QRCodeResult{Success: true}, nil)

	_, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestPollLinkStatus_Links(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	_, _, err := db.UpdateConnection(context.Background(), "c1", "user-1", func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.QRIssued{Code: "QR"})
	})
	require.NoError(t, err)

	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{State: "connecting"}, nil).Twice()
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{Connected: true, State: "open"}, nil).Once()

	linked, err := orch.PollLinkStatus(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.True(t, linked)
	gw.AssertNumberOfCalls(t, "CheckStatus", 3)

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)
	assert.Empty(t, stored.QRCode)
	assert.NotNil(t, stored.ConnectedAt)
}

func TestPollLinkStatus_Timeout(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{State: "connecting"}, nil)

	linked, err := orch.PollLinkStatus(context.Background(), "user-1", "c1")
	assert.False(t, linked)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQRTimeout))

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestPollLinkStatus_SwallowsTransientErrors(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(nil, errors.New("connection reset")).Twice()
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{Connected: true}, nil).Once()

	linked, err := orch.PollLinkStatus(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestPollLinkStatus_AlreadyConnected(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusConnected)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	linked, err := orch.PollLinkStatus(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.True(t, linked)
	gw.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
}

func TestPollLinkStatus_Cancelled(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	timings := fastTimings()
	timings.StatusTimeout = 10 * time.Second
	orch := newTestOrchestrator(t, db, gw, timings)
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := orch.PollLinkStatus(ctx, "user-1", "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckStatus(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{State: "close"}, nil).Once()
	conn, linked, err := orch.CheckStatus(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Equal(t, models.StatusPending, conn.Status)

	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{Connected: true, State: "open"}, nil).Once()
	conn, linked, err = orch.CheckStatus(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.True(t, linked)
	assert.Equal(t, models.StatusConnected, conn.Status)
	assert.NotNil(t, conn.ConnectedAt)
}

func TestCheckStatus_ProviderError(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())
	gw.On("CheckStatus", mock.Anything, "wl-c1").Return(nil, errors.New("dial tcp: refused")).Once()

	_, linked, err := orch.CheckStatus(context.Background(), "user-1", "c1")
	assert.False(t, linked)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProvider))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestRefreshQRCode(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	gw := new(mockGateway)
	orch := newTestOrchestrator(t, db, gw, fastTimings())

	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true, QRCode: "QR-A"}, nil).Once()
	gw.On("GetQRCode", mock.Anything, "wl-c1").Return(&provider.QRCodeResult{Success: true, QRCode: "QR-B"}, nil).Once()

	first, err := orch.AcquireQRCode(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "QR-A", first)

	second, err := orch.RefreshQRCode(context.Background(), "user-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "QR-B", second)

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQRIssued, stored.Status)
	assert.Equal(t, "QR-B", stored.QRCode)
}

func TestRefreshQRCode_Connected(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusConnected)
	orch := newTestOrchestrator(t, db, new(mockGateway), fastTimings())

	_, err := orch.RefreshQRCode(context.Background(), "user-1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}
