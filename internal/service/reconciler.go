package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"walink/internal/database"
	apperrors "walink/internal/errors"
	"walink/internal/ingest"
	"walink/internal/lifecycle"
	"walink/internal/metrics"
	"walink/internal/models"
	"walink/internal/privacy"
	"walink/internal/tracing"
	"walink/internal/validation"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// InstanceStore is the part of the Connection Store the reconciler writes through
type InstanceStore interface {
	UpdateByInstance(ctx context.Context, instanceID string, mutate database.Mutator) (*models.Connection, bool, error)
}

var _ InstanceStore = (*database.Database)(nil)

// Reconciliation results recorded per webhook event
const (
	ResultApplied   = "applied"
	ResultUnchanged = "unchanged"
	ResultUnmatched = "unmatched"
	ResultIgnored   = "ignored"
	ResultForwarded = "forwarded"
	ResultError     = "error"
)

// Reconciliation describes what one webhook delivery did
type Reconciliation struct {
	Event      string
	Result     string
	Connection *models.Connection
}

// Reconciler applies provider webhook events to stored connections
type Reconciler struct {
	store     InstanceStore
	forwarder ingest.Forwarder
	logger    *logrus.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewReconciler creates a reconciler. A nil forwarder drops message events.
func NewReconciler(store InstanceStore, forwarder ingest.Forwarder, logger *logrus.Logger, registry *metrics.Registry) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if forwarder == nil {
		forwarder = ingest.NewLogForwarder(logger)
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Reconciler{
		store:     store,
		forwarder: forwarder,
		logger:    logger,
		metrics:   registry,
		now:       utcNow,
	}
}

// Handle reconciles one webhook envelope. Unknown events and unknown
// instances are accepted without change.
func (r *Reconciler) Handle(ctx context.Context, env *models.WebhookEnvelope) (*Reconciliation, error) {
	if env == nil {
		return nil, apperrors.NewValidationError("body", "", "webhook body is required")
	}
	event := env.NormalizedEvent()

	ctx, span := tracing.StartSpan(ctx, "webhook.reconcile",
		attribute.String("webhook.event", event),
		attribute.String("webhook.instance", privacy.MaskInstanceID(env.Instance)))
	defer span.End()

	logger := LogWithContext(ctx, r.logger).WithFields(logrus.Fields{
		LogFieldEvent:      event,
		LogFieldInstanceID: privacy.MaskInstanceID(env.Instance),
	})

	res, err := r.dispatch(ctx, env, event, logger)
	if err != nil {
		tracing.RecordError(ctx, err)
		metrics.RecordWebhookEvent(r.metrics, metricEvent(event), ResultError)
		return nil, err
	}
	metrics.RecordWebhookEvent(r.metrics, metricEvent(event), res.Result)
	span.SetAttributes(attribute.String("webhook.result", res.Result))
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, env *models.WebhookEnvelope, event string, logger *logrus.Entry) (*Reconciliation, error) {
	switch event {
	case models.EventQRCodeUpdated:
		var data models.QRCodeUpdateData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		code := data.Payload()
		if code == "" {
			logger.Debug("Skipping qrcode.updated: no pairing payload")
			return &Reconciliation{Event: event, Result: ResultIgnored}, nil
		}
		return r.apply(ctx, event, env.Instance, lifecycle.QRIssued{Code: code}, logger)

	case models.EventConnectionUpdate:
		var data models.ConnectionUpdateData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		instance := env.Instance
		if instance == "" {
			instance = data.Instance
		}
		if data.State == "" {
			logger.Debug("Skipping connection.update: no state")
			return &Reconciliation{Event: event, Result: ResultIgnored}, nil
		}
		logger = logger.WithField(LogFieldState, data.State)
		return r.apply(ctx, event, instance, lifecycle.ProviderState{State: data.State, At: r.now()}, logger)

	case models.EventMessagesUpsert:
		if err := r.forwarder.Forward(ctx, env.Instance, env.Data); err != nil {
			logger.WithError(err).Warn("Failed to hand off message payload")
		}
		return &Reconciliation{Event: event, Result: ResultForwarded}, nil

	default:
		logger.Debug("Skipping unhandled webhook event")
		return &Reconciliation{Event: event, Result: ResultIgnored}, nil
	}
}

func (r *Reconciler) apply(ctx context.Context, event, instance string, ev lifecycle.Event, logger *logrus.Entry) (*Reconciliation, error) {
	if strings.TrimSpace(instance) == "" {
		return nil, apperrors.NewValidationError("instance", instance, "webhook carries no instance")
	}
	if err := validation.ValidateInstanceName(instance); err != nil {
		// no stored connection can carry a malformed name
		logger.WithField("reason", err.Error()).Debug("Webhook instance cannot match a connection")
		return &Reconciliation{Event: event, Result: ResultUnmatched}, nil
	}

	conn, changed, err := r.store.UpdateByInstance(ctx, instance, func(c *models.Connection) bool {
		return lifecycle.Apply(c, ev)
	})
	if err != nil {
		apperrors.LogError(logger, err, "Failed to reconcile webhook event")
		return nil, err
	}

	switch {
	case conn == nil:
		logger.Debug("No connection for webhook instance")
		return &Reconciliation{Event: event, Result: ResultUnmatched}, nil
	case !changed:
		return &Reconciliation{Event: event, Result: ResultUnchanged, Connection: conn}, nil
	}

	logger.WithFields(logrus.Fields{
		LogFieldConnectionID: conn.ID,
		LogFieldStatus:       string(conn.Status),
	}).Info("Webhook event reconciled")
	return &Reconciliation{Event: event, Result: ResultApplied, Connection: conn}, nil
}

func decodeData(env *models.WebhookEnvelope, v interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperrors.NewValidationError("data", "", "webhook data is malformed")
	}
	return nil
}

// metricEvent keeps arbitrary provider event names out of metric labels
func metricEvent(event string) string {
	switch event {
	case models.EventQRCodeUpdated, models.EventConnectionUpdate, models.EventMessagesUpsert:
		return event
	}
	return "other"
}
