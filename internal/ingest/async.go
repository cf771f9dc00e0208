package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"walink/internal/constants"
	"walink/internal/metrics"
	"walink/internal/privacy"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Forward results recorded in metrics
const (
	ResultForwarded = "forwarded"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// AsyncForwarder runs another Forwarder on a bounded, non-blocking pool.
// Forward returns as soon as the job is queued; a full pool drops the job.
type AsyncForwarder struct {
	next    Forwarder
	pool    *ants.Pool
	timeout time.Duration
	logger  *logrus.Logger
	metrics *metrics.Registry
}

// NewAsyncForwarder creates a pool of size workers in front of next
func NewAsyncForwarder(next Forwarder, size int, logger *logrus.Logger, registry *metrics.Registry) (*AsyncForwarder, error) {
	if next == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	if size <= 0 {
		size = constants.DefaultForwarderPoolSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}

	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.WithField("panic", p).Error("Message forward job panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder pool: %w", err)
	}

	return &AsyncForwarder{
		next:    next,
		pool:    pool,
		timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second,
		logger:  logger,
		metrics: registry,
	}, nil
}

// Forward queues the payload. The request context is not carried into the
// job, which outlives the webhook request.
func (a *AsyncForwarder) Forward(ctx context.Context, instanceID string, payload json.RawMessage) error {
	data := append(json.RawMessage(nil), payload...)

	err := a.pool.Submit(func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.next.Forward(jobCtx, instanceID, data); err != nil {
			metrics.RecordForward(a.metrics, ResultFailed)
			a.logger.WithFields(logrus.Fields{
				"instance_id": privacy.MaskInstanceID(instanceID),
				"error":       err.Error(),
			}).Error("Failed to forward message payload")
			return
		}
		metrics.RecordForward(a.metrics, ResultForwarded)
	})
	if err != nil {
		metrics.RecordForward(a.metrics, ResultDropped)
		if errors.Is(err, ants.ErrPoolOverload) {
			a.logger.WithField("instance_id", privacy.MaskInstanceID(instanceID)).
				Warn("Forwarder pool saturated, dropping message payload")
			return nil
		}
		return fmt.Errorf("failed to queue message payload: %w", err)
	}
	return nil
}

// Running reports the number of jobs in flight
func (a *AsyncForwarder) Running() int {
	return a.pool.Running()
}

// Close waits up to timeout for in-flight jobs, then releases the pool
func (a *AsyncForwarder) Close(timeout time.Duration) error {
	return a.pool.ReleaseTimeout(timeout)
}
