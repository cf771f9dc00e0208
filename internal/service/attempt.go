package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "walink/internal/errors"
	"walink/internal/metrics"
	"walink/internal/models"

	"github.com/sirupsen/logrus"
)

// Phase is the client-visible step of a pairing attempt
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseCreating       Phase = "creating"
	PhaseAwaitingQR     Phase = "awaiting_qr"
	PhaseQRDisplayed    Phase = "qr_displayed"
	PhaseCheckingStatus Phase = "checking_status"
	PhaseConnected      Phase = "connected"
	PhaseFailed         Phase = "failed"
)

// Attempt outcomes recorded in metrics
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Update is one notification to an attempt's observer
type Update struct {
	Phase      Phase
	Connection *models.Connection
	QRCode     string
	// Countdown is the number of seconds the displayed QR code stays valid
	Countdown int
	Err       error
}

// Observer receives attempt updates in order. It must not call Cancel.
type Observer func(Update)

// AttemptRequest starts an attempt either for an existing connection or by
// creating a new one from Name and Phone.
type AttemptRequest struct {
	ConnectionID string
	Name         string
	Phone        string
}

// Attempt is one live run of the pairing state machine
type Attempt struct {
	orch     *Orchestrator
	userID   string
	observer Observer
	logger   *logrus.Logger

	tick time.Duration

	mu    sync.Mutex
	phase Phase
	conn  *models.Connection
	err   error

	emitMu    sync.Mutex
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
}

// NewAttempt creates an idle attempt for userID
func (o *Orchestrator) NewAttempt(userID string, observer Observer) *Attempt {
	if observer == nil {
		observer = func(Update) {}
	}
	tick := time.Second
	if o.timings.QRCountdown > 0 && o.timings.QRCountdown < tick {
		tick = o.timings.QRCountdown
	}
	return &Attempt{
		orch:     o,
		userID:   userID,
		observer: observer,
		logger:   o.logger,
		tick:     tick,
		phase:    PhaseIdle,
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

// Start runs the attempt in the background. It may be called once.
func (a *Attempt) Start(parent context.Context, req AttemptRequest) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if a.cancelled.Load() {
		cancel()
	}

	metrics.AdjustActiveAttempts(a.orch.metrics, 1)
	go a.run(ctx, req)
}

// Cancel tears the attempt down. Timers stop at once and no update is
// delivered after Cancel returns.
func (a *Attempt) Cancel() {
	a.cancelled.Store(true)
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	cancel()

	// wait out an in-flight notification
	a.emitMu.Lock()
	a.emitMu.Unlock()
}

// Done is closed once the attempt stops
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Phase returns the current phase
func (a *Attempt) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Err returns the error that failed the attempt
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Connection returns the connection the attempt is pairing, once known
func (a *Attempt) Connection() *models.Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.Clone()
}

func (a *Attempt) run(ctx context.Context, req AttemptRequest) {
	defer close(a.done)
	defer metrics.AdjustActiveAttempts(a.orch.metrics, -1)

	conn, err := a.prepare(ctx, req)
	if err != nil {
		a.fail(ctx, err)
		return
	}
	if conn.Status == models.StatusConnected {
		a.connected(ctx)
		return
	}

	a.transition(ctx, Update{Phase: PhaseAwaitingQR, Connection: conn})
	qr, err := a.orch.AcquireQRCode(ctx, a.userID, conn.ID)
	if errors.Is(err, ErrAlreadyConnected) {
		a.connected(ctx)
		return
	}
	if err != nil {
		a.fail(ctx, err)
		return
	}
	a.showQR(ctx, qr)

	var wg sync.WaitGroup
	defer wg.Wait()
	linkCtx, stopLink := context.WithCancel(ctx)
	defer stopLink()
	linked := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := a.orch.pollLink(linkCtx, a.userID, conn.ID, func() { a.checking(linkCtx) })
		linked <- err
	}()

	countdown := a.orch.timings.QRCountdown
	remaining := countdown
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.fail(ctx, ctx.Err())
			return

		case err := <-linked:
			if err != nil {
				a.fail(ctx, err)
				return
			}
			a.connected(ctx)
			return

		case <-ticker.C:
			remaining -= a.tick
			if remaining > 0 {
				a.notify(ctx, Update{Phase: a.Phase(), Countdown: seconds(remaining)})
				continue
			}

			a.transition(ctx, Update{Phase: PhaseAwaitingQR})
			qr, err := a.orch.RefreshQRCode(ctx, a.userID, conn.ID)
			if errors.Is(err, ErrAlreadyConnected) {
				a.connected(ctx)
				return
			}
			if err != nil {
				a.fail(ctx, err)
				return
			}
			a.showQR(ctx, qr)
			remaining = countdown
			ticker.Reset(a.tick)
		}
	}
}

// prepare creates the connection or loads the one being resumed
func (a *Attempt) prepare(ctx context.Context, req AttemptRequest) (*models.Connection, error) {
	var (
		conn *models.Connection
		err  error
	)
	if req.ConnectionID == "" {
		a.transition(ctx, Update{Phase: PhaseCreating})
		conn, err = a.orch.CreateInstance(ctx, a.userID, req.Name, req.Phone)
	} else {
		conn, err = a.orch.GetConnection(ctx, a.userID, req.ConnectionID)
		if err == nil && conn.Status != models.StatusConnected && !conn.Status.AllowsQRCode() {
			err = notPairingError(conn)
		}
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.conn = conn.Clone()
	a.mu.Unlock()
	return conn, nil
}

func (a *Attempt) showQR(ctx context.Context, qr string) {
	a.transition(ctx, Update{
		Phase:     PhaseQRDisplayed,
		QRCode:    qr,
		Countdown: seconds(a.orch.timings.QRCountdown),
	})
}

// checking moves a displayed QR code into the status checking phase
func (a *Attempt) checking(ctx context.Context) {
	if a.cancelled.Load() {
		return
	}
	a.mu.Lock()
	if a.phase != PhaseQRDisplayed {
		a.mu.Unlock()
		return
	}
	a.phase = PhaseCheckingStatus
	u := Update{Phase: PhaseCheckingStatus, Connection: a.conn.Clone()}
	a.mu.Unlock()

	a.notify(ctx, u)
}

func (a *Attempt) connected(ctx context.Context) {
	conn := a.Connection()
	if conn != nil && ctx.Err() == nil {
		if latest, err := a.orch.GetConnection(ctx, a.userID, conn.ID); err == nil {
			conn = latest
			a.mu.Lock()
			a.conn = latest.Clone()
			a.mu.Unlock()
		}
	}
	a.finish(ctx, OutcomeConnected, Update{Phase: PhaseConnected, Connection: conn})
}

func (a *Attempt) fail(ctx context.Context, err error) {
	if a.cancelled.Load() || errors.Is(err, context.Canceled) {
		a.finish(ctx, OutcomeCancelled, Update{Phase: PhaseFailed, Err: err})
		return
	}
	a.finish(ctx, OutcomeFailed, Update{Phase: PhaseFailed, Err: err})
}

func (a *Attempt) finish(ctx context.Context, outcome string, u Update) {
	metrics.RecordAttemptOutcome(a.orch.metrics, outcome)

	entry := a.logger.WithFields(connectionFields(ctx, a.Connection())).
		WithFields(logrus.Fields{LogFieldPhase: string(u.Phase), LogFieldResult: outcome})
	switch {
	case outcome == OutcomeFailed:
		entry.WithFields(apperrors.Fields(u.Err)).WithError(u.Err).Warn("Pairing attempt failed")
	default:
		entry.Info("Pairing attempt finished")
	}

	a.mu.Lock()
	a.phase = u.Phase
	a.err = u.Err
	a.mu.Unlock()

	if outcome != OutcomeCancelled {
		a.notify(ctx, u)
	}
}

// transition records the new phase and tells the observer
func (a *Attempt) transition(ctx context.Context, u Update) {
	if a.cancelled.Load() {
		return
	}
	a.mu.Lock()
	a.phase = u.Phase
	if u.Connection == nil && a.conn != nil {
		u.Connection = a.conn.Clone()
	}
	a.mu.Unlock()

	a.logger.WithFields(connectionFields(ctx, u.Connection)).
		WithField(LogFieldPhase, string(u.Phase)).Debug("Pairing attempt phase changed")
	a.notify(ctx, u)
}

func (a *Attempt) notify(ctx context.Context, u Update) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.cancelled.Load() {
		return
	}
	a.observer(u)
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
