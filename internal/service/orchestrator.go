package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"walink/internal/constants"
	"walink/internal/database"
	apperrors "walink/internal/errors"
	"walink/internal/lifecycle"
	"walink/internal/metrics"
	"walink/internal/models"
	"walink/internal/privacy"
	"walink/internal/retry"
	"walink/internal/tracing"
	"walink/internal/validation"
	"walink/pkg/circuitbreaker"
	"walink/pkg/provider"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// InstanceNamePrefix marks provider instances created by walink
const InstanceNamePrefix = "wl-"

// ErrAlreadyConnected is returned by QR acquisition once the connection is linked
var ErrAlreadyConnected = errors.New("connection already linked")

// Store is the part of the Connection Store the orchestrator writes through
type Store interface {
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id, userID string) (*models.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, id, userID string, mutate database.Mutator) (*models.Connection, bool, error)
}

var _ Store = (*database.Database)(nil)

// Timings bounds the pairing flow's waits
type Timings struct {
	QRPollInterval     time.Duration
	QRTimeout          time.Duration
	QRMaxAttempts      int
	StatusInitialDelay time.Duration
	StatusPollInterval time.Duration
	StatusTimeout      time.Duration
	QRCountdown        time.Duration
}

// DefaultTimings returns the production pairing bounds
func DefaultTimings() Timings {
	return Timings{
		QRPollInterval:     time.Duration(constants.DefaultQRPollIntervalSec) * time.Second,
		QRTimeout:          time.Duration(constants.DefaultQRTimeoutSec) * time.Second,
		StatusInitialDelay: time.Duration(constants.DefaultStatusInitialDelaySec) * time.Second,
		StatusPollInterval: time.Duration(constants.DefaultStatusPollIntervalSec) * time.Second,
		StatusTimeout:      time.Duration(constants.DefaultStatusTimeoutSec) * time.Second,
		QRCountdown:        time.Duration(constants.DefaultQRCountdownSec) * time.Second,
	}
}

// TimingsFromConfig converts pairing config seconds, defaulting unset values
func TimingsFromConfig(cfg models.PairingConfig) Timings {
	t := DefaultTimings()
	if cfg.QRPollIntervalSec > 0 {
		t.QRPollInterval = time.Duration(cfg.QRPollIntervalSec) * time.Second
	}
	if cfg.QRTimeoutSec > 0 {
		t.QRTimeout = time.Duration(cfg.QRTimeoutSec) * time.Second
	}
	if cfg.QRMaxAttempts > 0 {
		t.QRMaxAttempts = cfg.QRMaxAttempts
	}
	if cfg.StatusInitialDelaySec > 0 {
		t.StatusInitialDelay = time.Duration(cfg.StatusInitialDelaySec) * time.Second
	}
	if cfg.StatusPollIntervalSec > 0 {
		t.StatusPollInterval = time.Duration(cfg.StatusPollIntervalSec) * time.Second
	}
	if cfg.StatusTimeoutSec > 0 {
		t.StatusTimeout = time.Duration(cfg.StatusTimeoutSec) * time.Second
	}
	if cfg.QRCountdownSec > 0 {
		t.QRCountdown = time.Duration(cfg.QRCountdownSec) * time.Second
	}
	return t
}

// Orchestrator drives connection attempts against the provider and records
// what it observes through the lifecycle reducer.
type Orchestrator struct {
	store   Store
	gateway provider.Gateway
	timings Timings
	logger  *logrus.Logger
	metrics *metrics.Registry
	now     func() time.Time
	newID   func() string
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(store Store, gateway provider.Gateway, timings Timings, logger *logrus.Logger, registry *metrics.Registry) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		timings: timings,
		logger:  logger,
		metrics: registry,
		now:     utcNow,
		newID:   uuid.NewString,
	}
}

// Timings returns the orchestrator's polling bounds
func (o *Orchestrator) Timings() Timings {
	return o.timings
}

// GetConnection returns one connection owned by userID
func (o *Orchestrator) GetConnection(ctx context.Context, userID, id string) (*models.Connection, error) {
	return o.store.GetConnection(ctx, id, userID)
}

// ListConnections returns the user's connections
func (o *Orchestrator) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	return o.store.ListConnections(ctx, userID)
}

// CreateInstance validates input, asks the provider for one instance and
// stores a pending connection for it. The provider is called exactly once.
func (o *Orchestrator) CreateInstance(ctx context.Context, userID, name, phone string) (*models.Connection, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user_id", "", "user id is required")
	}
	displayName, err := validation.ValidateDisplayName(name)
	if err != nil {
		return nil, err
	}
	number, err := validation.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	id := o.newID()
	instanceName := InstanceNamePrefix + id

	ctx, span := tracing.StartSpan(ctx, "orchestrator.create_instance",
		attribute.String("connection.id", id))
	defer span.End()

	logger := LogWithContext(ctx, o.logger).WithFields(logrus.Fields{
		LogFieldConnectionID: id,
		LogFieldUserID:       privacy.MaskUserID(userID),
		LogFieldInstanceID:   privacy.MaskInstanceID(instanceName),
	})
	logger.Info("Starting instance creation")

	res, err := o.gateway.CreateInstance(ctx, provider.CreateInstanceRequest{
		InstanceName: instanceName,
		Number:       number,
	})
	if err != nil {
		appErr := providerError("create_instance", err)
		tracing.RecordError(ctx, appErr)
		if provider.IsUnauthorized(err) {
			logger.Error("Provider rejected the configured API key")
		}
		apperrors.LogError(logger, appErr, "Failed to create provider instance")
		return nil, appErr
	}
	if res == nil || !res.Success || res.InstanceID == "" {
		appErr := apperrors.NewProviderError("create_instance", 0, fmt.Errorf("provider did not confirm instance creation"))
		apperrors.LogError(logger, appErr, "Failed to create provider instance")
		return nil, appErr
	}

	// A caller that went away must not leave a row behind
	if err := ctx.Err(); err != nil {
		o.discardInstance(res.InstanceID, logger)
		return nil, err
	}

	conn := &models.Connection{
		ID:          id,
		UserID:      userID,
		InstanceID:  res.InstanceID,
		DisplayName: displayName,
		PhoneNumber: number,
		Status:      models.StatusPending,
		CreatedAt:   o.now(),
	}
	if err := o.store.CreateConnection(ctx, conn); err != nil {
		apperrors.LogError(logger, err, "Failed to store connection")
		o.discardInstance(res.InstanceID, logger)
		return nil, err
	}

	logger.Info("Instance created")
	return conn, nil
}

// discardInstance deletes a provider instance that has no stored connection
func (o *Orchestrator) discardInstance(instanceID string, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()
	if err := o.gateway.DeleteInstance(ctx, instanceID); err != nil {
		logger.WithError(err).Warn("Failed to delete orphaned provider instance")
	}
}

// AcquireQRCode polls the provider for a pairing code and records it. On
// timeout the connection status is left as it was.
func (o *Orchestrator) AcquireQRCode(ctx context.Context, userID, id string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.acquire_qrcode", attribute.String("connection.id", id))
	defer span.End()

	conn, err := o.pairingConnection(ctx, userID, id)
	if err != nil {
		return "", err
	}
	logger := LogWithContext(ctx, o.logger).WithFields(connectionFields(ctx, conn))

	var code string
	cfg := retry.PollConfig{
		Interval:    o.timings.QRPollInterval,
		Timeout:     o.timings.QRTimeout,
		MaxAttempts: o.timings.QRMaxAttempts,
	}
	attempts, err := retry.Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		linked, err := o.linkedInStore(ctx, userID, id)
		if err != nil {
			return false, err
		}
		if linked {
			return false, retry.Permanent(ErrAlreadyConnected)
		}

		res, err := o.gateway.GetQRCode(ctx, conn.InstanceID)
		if err != nil {
			return false, o.pollError(logger, "get_qrcode", err)
		}
		if res == nil || !res.Success || res.QRCode == "" {
			return false, nil
		}
		code = res.QRCode
		return true, nil
	})
	if err != nil {
		return "", o.pollFailure(ctx, logger, "qr code acquisition", o.timings.QRTimeout, attempts, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, _, err := o.store.UpdateConnection(ctx, id, userID, func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.QRIssued{Code: code})
	})
	if err != nil {
		apperrors.LogError(logger, err, "Failed to store QR code")
		return "", err
	}
	if stored.Status == models.StatusConnected {
		return "", ErrAlreadyConnected
	}
	if !stored.Status.AllowsQRCode() {
		return "", notPairingError(stored)
	}

	logger.WithFields(logrus.Fields{
		LogFieldAttempt: attempts,
		"qr_code":       privacy.DescribeQRCode(code),
	}).Info("QR code issued")
	return code, nil
}

// RefreshQRCode drops the displayed code and acquires a fresh one
func (o *Orchestrator) RefreshQRCode(ctx context.Context, userID, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, _, err := o.store.UpdateConnection(ctx, id, userID, func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.QRCleared{})
	})
	if err != nil {
		return "", err
	}
	if conn.Status == models.StatusConnected {
		return "", ErrAlreadyConnected
	}
	return o.AcquireQRCode(ctx, userID, id)
}

// PollLinkStatus waits for the provider to report the instance linked
func (o *Orchestrator) PollLinkStatus(ctx context.Context, userID, id string) (bool, error) {
	return o.pollLink(ctx, userID, id, nil)
}

// pollLink is PollLinkStatus with a hook run before every provider check
func (o *Orchestrator) pollLink(ctx context.Context, userID, id string, onCheck func()) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.poll_link_status", attribute.String("connection.id", id))
	defer span.End()

	conn, err := o.store.GetConnection(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if conn.Status == models.StatusConnected {
		return true, nil
	}
	if conn.InstanceID == "" || conn.Status == models.StatusFailed {
		return false, notPairingError(conn)
	}
	logger := LogWithContext(ctx, o.logger).WithFields(connectionFields(ctx, conn))

	linkedAt := time.Time{}
	cfg := retry.PollConfig{
		InitialDelay: o.timings.StatusInitialDelay,
		Interval:     o.timings.StatusPollInterval,
		Timeout:      o.timings.StatusTimeout,
	}
	attempts, err := retry.Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		if onCheck != nil {
			onCheck()
		}
		// The webhook path may already have recorded the link
		if linked, err := o.linkedInStore(ctx, userID, id); err != nil || linked {
			return linked, err
		}

		res, err := o.gateway.CheckStatus(ctx, conn.InstanceID)
		if err != nil {
			return false, o.pollError(logger, "check_status", err)
		}
		if res != nil && res.Connected {
			linkedAt = o.now()
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, o.pollFailure(ctx, logger, "link status polling", o.timings.StatusTimeout, attempts, err)
	}

	if !linkedAt.IsZero() {
		if err := o.recordLinked(ctx, userID, id, linkedAt); err != nil {
			apperrors.LogError(logger, err, "Failed to record link")
			return false, err
		}
	}
	logger.WithField(LogFieldAttempt, attempts).Info("Connection linked")
	return true, nil
}

// CheckStatus asks the provider once whether the instance is linked and
// records the link when it is.
func (o *Orchestrator) CheckStatus(ctx context.Context, userID, id string) (*models.Connection, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.check_status", attribute.String("connection.id", id))
	defer span.End()

	conn, err := o.store.GetConnection(ctx, id, userID)
	if err != nil {
		return nil, false, err
	}
	if conn.Status == models.StatusConnected {
		return conn, true, nil
	}
	if conn.InstanceID == "" {
		return conn, false, nil
	}

	res, err := o.gateway.CheckStatus(ctx, conn.InstanceID)
	if err != nil {
		appErr := providerError("check_status", err)
		apperrors.LogError(LogWithContext(ctx, o.logger).WithFields(connectionFields(ctx, conn)), appErr, "Failed to check link status")
		return conn, false, appErr
	}
	if res == nil || !res.Connected {
		return conn, false, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	updated, _, err := o.store.UpdateConnection(ctx, id, userID, func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.Linked{At: o.now()})
	})
	if err != nil {
		return nil, false, err
	}
	return updated, updated.Status == models.StatusConnected, nil
}

func (o *Orchestrator) recordLinked(ctx context.Context, userID, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := o.store.UpdateConnection(ctx, id, userID, func(c *models.Connection) bool {
		return lifecycle.Apply(c, lifecycle.Linked{At: at})
	})
	return err
}

// pairingConnection loads a connection that may still receive a pairing code
func (o *Orchestrator) pairingConnection(ctx context.Context, userID, id string) (*models.Connection, error) {
	conn, err := o.store.GetConnection(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.StatusConnected {
		return nil, ErrAlreadyConnected
	}
	if !conn.Status.AllowsQRCode() || conn.InstanceID == "" {
		return nil, notPairingError(conn)
	}
	return conn, nil
}

func (o *Orchestrator) linkedInStore(ctx context.Context, userID, id string) (bool, error) {
	conn, err := o.store.GetConnection(ctx, id, userID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return false, retry.Permanent(err)
		}
		return false, err
	}
	switch conn.Status {
	case models.StatusConnected:
		return true, nil
	case models.StatusFailed:
		return false, retry.Permanent(notPairingError(conn))
	}
	return false, nil
}

// pollError classifies a provider error seen while polling. Transient errors
// are retried silently; a rejected request ends the poll.
func (o *Orchestrator) pollError(logger *logrus.Entry, op string, err error) error {
	if circuitbreaker.IsOpen(err) {
		logger.WithField(LogFieldOperation, op).Debug("Provider circuit open, retrying")
		return err
	}
	var se *provider.StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return retry.Permanent(providerError(op, err))
	}
	logger.WithFields(logrus.Fields{
		LogFieldOperation: op,
		"error":           err.Error(),
	}).Debug("Provider poll failed, retrying")
	return err
}

// pollFailure maps a finished Poll error to what the caller sees
func (o *Orchestrator) pollFailure(ctx context.Context, logger *logrus.Entry, what string, bound time.Duration, attempts int, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrAlreadyConnected):
		return ErrAlreadyConnected
	case errors.Is(err, retry.ErrPollTimeout):
		appErr := apperrors.NewQRTimeoutError(what, bound.String(), err).WithContext(LogFieldAttempt, attempts)
		tracing.RecordError(ctx, appErr)
		apperrors.LogError(logger, appErr, "Gave up waiting on provider")
		return appErr
	default:
		tracing.RecordError(ctx, err)
		apperrors.LogError(logger, err, "Polling stopped")
		return err
	}
}

func providerError(op string, err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	return apperrors.NewProviderError(op, provider.StatusCode(err), err)
}

func notPairingError(conn *models.Connection) *apperrors.AppError {
	return apperrors.NewValidationError("status", string(conn.Status), "connection is not awaiting pairing").
		WithUserMessage("This connection can no longer be paired, start a new one")
}
