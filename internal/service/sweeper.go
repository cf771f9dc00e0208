package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"walink/internal/constants"
	"walink/internal/database"
	"walink/internal/lifecycle"
	"walink/internal/metrics"
	"walink/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// StaleStore is the part of the Connection Store the sweeper needs
type StaleStore interface {
	ListStaleConnections(ctx context.Context, before time.Time) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, id, userID string, mutate database.Mutator) (*models.Connection, bool, error)
}

var _ StaleStore = (*database.Database)(nil)

const staleReason = "pairing abandoned"

// Sweeper periodically fails pairing attempts nobody finished
type Sweeper struct {
	store      StaleStore
	schedule   string
	staleAfter time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Registry
	now        func() time.Time

	mu      sync.Mutex
	sched   *cron.Cron
	running bool
}

// NewSweeper validates the schedule and creates a stopped sweeper
func NewSweeper(store StaleStore, cfg models.SweeperConfig, logger *logrus.Logger, registry *metrics.Registry) (*Sweeper, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = constants.DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	staleAfter := time.Duration(cfg.StaleAfterMinutes) * time.Minute
	if staleAfter <= 0 {
		staleAfter = time.Duration(constants.DefaultStaleAfterMinutes) * time.Minute
	}

	return &Sweeper{
		store:      store,
		schedule:   schedule,
		staleAfter: staleAfter,
		logger:     logger,
		metrics:    registry,
		now:        utcNow,
	}, nil
}

// Start schedules the sweep job
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("Stale sweeper is already running")
		return nil
	}

	sched := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(s.logger))))
	_, err := sched.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Error("Stale sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	sched.Start()
	s.sched = sched
	s.running = true
	s.logger.WithFields(logrus.Fields{
		LogFieldComponent: "sweeper",
		"schedule":        s.schedule,
		"stale_after":     s.staleAfter.String(),
	}).Info("Stale sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.running = false
	s.mu.Unlock()

	if sched == nil {
		return
	}
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Stale sweeper did not stop in time")
	}
}

// Sweep fails every pending or qr_issued connection untouched for staleAfter.
// It returns how many connections it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.store.ListStaleConnections(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, conn := range stale {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		_, changed, err := s.store.UpdateConnection(ctx, conn.ID, conn.UserID, func(c *models.Connection) bool {
			// the attempt may have moved on since it was listed
			if c.UpdatedAt.After(cutoff) {
				return false
			}
			return lifecycle.Apply(c, lifecycle.Failed{Reason: staleReason})
		})
		if err != nil {
			s.logger.WithFields(connectionFields(ctx, conn)).WithError(err).Error("Failed to expire stale connection")
			continue
		}
		if changed {
			failed++
			s.logger.WithFields(connectionFields(ctx, conn)).Warn("Expired stale pairing attempt")
		}
	}

	if failed > 0 {
		metrics.RecordSweep(s.metrics, failed)
	}
	s.logger.WithFields(logrus.Fields{
		LogFieldComponent: "sweeper",
		LogFieldCount:     failed,
		"candidates":      len(stale),
	}).Debug("Stale sweep completed")
	return failed, nil
}
