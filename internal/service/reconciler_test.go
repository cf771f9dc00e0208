package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
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

func envelope(event, instance, data string) *models.WebhookEnvelope {
	env := &models.WebhookEnvelope{Event: event, Instance: instance}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	return env
}

func TestReconciler_QRCodeUpdated(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	tests := []struct {
		name  string
		event string
		data  string
		want  string
	}{
		{"string payload", "qrcode.updated", `{"qrcode":"data:image/png;base64,AAA"}`, "data:image/png;base64,AAA"},
		{"object payload", "QRCODE_UPDATED", `{"qrcode":{"base64":"data:image/png;base64,BBB","code":"2@x"}}`, "data:image/png;base64,BBB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Handle(context.Background(), envelope(tt.event, "wl-c1", tt.data))
			require.NoError(t, err)
			assert.Equal(t, ResultApplied, res.Result)
			assert.Equal(t, models.EventQRCodeUpdated, res.Event)

			stored, err := db.GetConnection(context.Background(), "c1", "user-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusQRIssued, stored.Status)
			assert.Equal(t, tt.want, stored.QRCode)
		})
	}
}

func TestReconciler_QRCodeIgnoredOnceConnected(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusConnected)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	res, err := r.Handle(context.Background(), envelope("qrcode.updated", "wl-c1", `{"qrcode":"late"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res.Result)

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)
	assert.Empty(t, stored.QRCode)
}

func TestReconciler_ConnectionUpdate(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())
	ctx := context.Background()

	_, err := r.Handle(ctx, envelope("qrcode.updated", "wl-c1", `{"qrcode":"QR"}`))
	require.NoError(t, err)

	res, err := r.Handle(ctx, envelope("connection.update", "wl-c1", `{"state":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Result)

	stored, err := db.GetConnection(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)
	assert.Empty(t, stored.QRCode)
	require.NotNil(t, stored.ConnectedAt)
	require.NotNil(t, stored.LastSeenAt)
	connectedAt := *stored.ConnectedAt

	// duplicate delivery keeps connectedAt stable
	_, err = r.Handle(ctx, envelope("connection.update", "wl-c1", `{"state":"open"}`))
	require.NoError(t, err)
	stored, err = db.GetConnection(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.True(t, connectedAt.Equal(*stored.ConnectedAt))

	// an explicit non-open state is the only way out of connected
	_, err = r.Handle(ctx, envelope("CONNECTION_UPDATE", "wl-c1", `{"state":"close"}`))
	require.NoError(t, err)
	stored, err = db.GetConnection(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, stored.Status)
}

func TestReconciler_ConnectionUpdateInstanceFromData(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	res, err := r.Handle(context.Background(), envelope("connection.update", "", `{"instance":"wl-c1","state":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Result)
}

func TestReconciler_UnknownInstanceIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	reg := metrics.NewRegistry()
	r := NewReconciler(db, nil, quietLogger(), reg)

	res, err := r.Handle(context.Background(), envelope("connection.update", "X", `{"state":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultUnmatched, res.Result)
	assert.Nil(t, res.Connection)

	stored, err := db.GetConnection(context.Background(), "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, int64(0), stored.Version)
}

func TestReconciler_UnknownEventAccepted(t *testing.T) {
	db := setupTestDB(t)
	reg := metrics.NewRegistry()
	r := NewReconciler(db, nil, quietLogger(), reg)

	res, err := r.Handle(context.Background(), envelope("CONTACTS_UPSERT", "wl-c1", `{"foo":1}`))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Result)

	found := false
	for _, c := range reg.Snapshot().Counters {
		if c.Name == metrics.WebhookEvents && c.Labels["event"] == "other" && c.Labels["result"] == ResultIgnored {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReconciler_MessagesForwarded(t *testing.T) {
	db := setupTestDB(t)
	fwd := &recordingForwarder{}
	r := NewReconciler(db, fwd, quietLogger(), metrics.NewRegistry())

	res, err := r.Handle(context.Background(), envelope("MESSAGES_UPSERT", "wl-c1", `{"key":{"id":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ResultForwarded, res.Result)
	assert.Equal(t, 1, fwd.count())
}

func TestReconciler_MalformedData(t *testing.T) {
	db := setupTestDB(t)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	_, err := r.Handle(context.Background(), envelope("connection.update", "wl-c1", `"not an object"`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}

func TestReconciler_EmptyPayloadsIgnored(t *testing.T) {
	db := setupTestDB(t)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	res, err := r.Handle(context.Background(), envelope("qrcode.updated", "wl-c1", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Result)

	res, err = r.Handle(context.Background(), envelope("connection.update", "wl-c1", ""))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Result)
}

func TestReconciler_NilEnvelope(t *testing.T) {
	r := NewReconciler(setupTestDB(t), nil, quietLogger(), metrics.NewRegistry())
	_, err := r.Handle(context.Background(), nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}

// The polling path and the webhook path race on the same row; whatever the
// interleaving, both writers end on connected with no QR code left behind.
func TestReconciler_ConvergesWithOrchestrator(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("run_%d", i), func(t *testing.T) {
			db := setupTestDB(t)
			seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
			gw := new(mockGateway)
			orch := newTestOrchestrator(t, db, gw, fastTimings())
			r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())
			gw.On("CheckStatus", mock.Anything, "wl-c1").Return(&provider.StatusResult{Connected: true, State: "open"}, nil)

			ctx := context.Background()
			var wg sync.WaitGroup
			wg.Add(4)
			go func() {
				defer wg.Done()
				_, _, _ = orch.CheckStatus(ctx, "user-1", "c1")
			}()
			go func() {
				defer wg.Done()
				_, _ = r.Handle(ctx, envelope("qrcode.updated", "wl-c1", `{"qrcode":"QR"}`))
			}()
			go func() {
				defer wg.Done()
				_, _ = r.Handle(ctx, envelope("connection.update", "wl-c1", `{"state":"open"}`))
			}()
			go func() {
				defer wg.Done()
				_, _ = r.Handle(ctx, envelope("CONNECTION_UPDATE", "wl-c1", `{"state":"open"}`))
			}()
			wg.Wait()

			stored, err := db.GetConnection(ctx, "c1", "user-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusConnected, stored.Status)
			assert.Empty(t, stored.QRCode)
			assert.NotNil(t, stored.ConnectedAt)
		})
	}
}

func TestReconciler_ConnectedNeverRegressesOnFailed(t *testing.T) {
	db := setupTestDB(t)
	seedConnection(t, db, "c1", "user-1", "wl-c1", models.StatusPending)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())
	ctx := context.Background()

	_, err := r.Handle(ctx, envelope("connection.update", "wl-c1", `{"state":"open"}`))
	require.NoError(t, err)

	_, changed, err := db.UpdateConnection(ctx, "c1", "user-1", func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.Failed{Reason: "late sweep"})
	})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.Handle(ctx, envelope("connection.update", "wl-c1", `{"state":"open"}`))
	require.NoError(t, err)
	stored, err := db.GetConnection(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)
	assert.WithinDuration(t, time.Now(), *stored.LastSeenAt, 5*time.Second)
}

func TestReconciler_InstanceNames(t *testing.T) {
	db := setupTestDB(t)
	r := NewReconciler(db, nil, quietLogger(), metrics.NewRegistry())

	tests := []struct {
		name     string
		instance string
		wantErr  bool
	}{
		{name: "empty", instance: "", wantErr: true},
		{name: "blank", instance: "   ", wantErr: true},
		{name: "path traversal", instance: "../wl-c1"},
		{name: "space", instance: "wl c1"},
		{name: "dot", instance: "wl.c1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Handle(context.Background(), envelope("connection.update", tt.instance, `{"state":"open"}`))
			if tt.wantErr {
				assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ResultUnmatched, res.Result)
			assert.Nil(t, res.Connection)
		})
	}
}
