// Package scavenge supervises the scavenge job that reclaims space in the
// chunked transaction log.
//
// The Coordinator admits at most one run at a time. Start, stop and status
// requests are serialized against a single active-run slot; the job itself
// runs in its own goroutine under a supervisor that always disposes the job
// and clears the slot, whatever the job does.
package scavenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/scavd/internal/auth"
	"github.com/dray-io/scavd/internal/logging"
	"github.com/dray-io/scavd/internal/metrics"
	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

// ErrInvalidOptions marks a factory error caused by the request's options
// rather than by the node.
var ErrInvalidOptions = errors.New("invalid scavenge options")

// Job is one scavenge run.
type Job interface {
	ID() string
	// Run does the work and returns when it is finished or ctx is cancelled.
	Run(ctx context.Context) error
	// Close releases the job's resources. It is called once, after Run.
	Close() error
}

// Factory builds the job for a start request.
type Factory interface {
	Create(req StartRequest, log runlog.Log, logger *logging.Logger) (Job, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(req StartRequest, log runlog.Log, logger *logging.Logger) (Job, error)

func (f FactoryFunc) Create(req StartRequest, log runlog.Log, logger *logging.Logger) (Job, error) {
	return f(req, log, logger)
}

// Authorizer decides whether a principal may control scavenges.
type Authorizer interface {
	IsAllowed(p *auth.Principal) bool
}

// LogManager allocates run logs and prepares the run-log store.
type LogManager interface {
	Initialise(ctx context.Context) error
	CreateLog(ctx context.Context) (runlog.Log, error)
}

// MetricsRecorder receives coordinator events.
type MetricsRecorder interface {
	RecordRequest(op, outcome string)
	RecordRunStarted()
	RecordRunEnded(durationSeconds float64, success bool)
	RecordJobFault(kind string)
}

// Config wires a Coordinator's collaborators.
type Config struct {
	Authorizer Authorizer
	Factory    Factory
	Logs       LogManager

	// Metrics is optional.
	Metrics MetricsRecorder
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// activeRun is the content of the slot. A fresh one, with its own cancel
// func, is built for every run; the supervisor compares slot contents by
// pointer.
type activeRun struct {
	id      string
	cancel  context.CancelFunc
	job     Job
	done    chan struct{}
	logger  *logging.Logger
	started time.Time

	stopRequests atomic.Int32
}

// requestStop raises the run's cancellation signal. Repeated calls are
// counted but only the first has an effect on the job.
func (r *activeRun) requestStop() {
	r.stopRequests.Add(1)
	r.cancel()
}

// Coordinator owns the active-run slot.
type Coordinator struct {
	authorizer Authorizer
	factory    Factory
	logs       LogManager
	metrics    MetricsRecorder
	logger     *logging.Logger

	// baseCtx parents every run context so runs outlive the request that
	// started them.
	baseCtx context.Context

	mu     sync.Mutex
	active *activeRun
	// closing is set by Shutdown; no run starts after it.
	closing bool

	// wg counts supervisors and pending stop replies.
	wg sync.WaitGroup
}

// NewCoordinator validates cfg and returns an idle Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("scavenge: authorizer is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("scavenge: factory is required")
	}
	if cfg.Logs == nil {
		return nil, errors.New("scavenge: log manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	m := cfg.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Coordinator{
		authorizer: cfg.Authorizer,
		factory:    cfg.Factory,
		logs:       cfg.Logs,
		metrics:    m,
		logger:     logger.With(map[string]any{"component": "scavenger"}),
		baseCtx:    context.Background(),
	}, nil
}

// HandleStateChange initialises the run-log store when the node becomes
// Leader or Follower. Other states are ignored.
func (c *Coordinator) HandleStateChange(ctx context.Context, msg StateChange) error {
	if msg.State != StateLeader && msg.State != StateFollower {
		return nil
	}
	if err := c.logs.Initialise(ctx); err != nil {
		c.logger.Errorf("SCAVENGING: failed to initialise the scavenge log", map[string]any{
			"state": string(msg.State),
			"error": err,
		})
		return fmt.Errorf("scavenge: initialise run log: %w", err)
	}
	return nil
}

// HandleStart launches a run unless one is already active.
func (c *Coordinator) HandleStart(req StartRequest) {
	if !c.isAllowed(metrics.OpStart, req.User, req.CorrelationID, req.Envelope) {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.metrics.RecordRequest(metrics.OpStart, metrics.OutcomeFailed)
		reply(req.Envelope, StartFailed{CorrelationID: req.CorrelationID, Reason: ReasonShuttingDown})
		return
	}
	if c.active != nil {
		id := c.active.id
		c.mu.Unlock()
		c.metrics.RecordRequest(metrics.OpStart, metrics.OutcomeInProgress)
		reply(req.Envelope, InProgress{CorrelationID: req.CorrelationID, ScavengeID: id, Reason: ReasonAlreadyRunning})
		return
	}

	run, err := c.launch(req)
	if errors.Is(err, ErrInvalidOptions) {
		c.mu.Unlock()
		c.logger.Infof("scavenge start rejected", map[string]any{
			"correlationId": req.CorrelationID.String(),
			"error":         err,
		})
		c.metrics.RecordRequest(metrics.OpStart, metrics.OutcomeInvalid)
		reply(req.Envelope, InvalidRequest{CorrelationID: req.CorrelationID, Reason: err.Error()})
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Errorf("SCAVENGING: failed to start scavenge", map[string]any{
			"correlationId": req.CorrelationID.String(),
			"error":         err,
		})
		c.metrics.RecordRequest(metrics.OpStart, metrics.OutcomeFailed)
		reply(req.Envelope, StartFailed{CorrelationID: req.CorrelationID, Reason: err.Error()})
		return
	}
	c.active = run
	c.mu.Unlock()

	c.metrics.RecordRunStarted()
	c.metrics.RecordRequest(metrics.OpStart, metrics.OutcomeStarted)
	run.logger.Infof("scavenge started", map[string]any{
		"user":           req.User.String(),
		"startFromChunk": req.StartFromChunk,
		"threads":        req.Threads,
	})
	reply(req.Envelope, Started{CorrelationID: req.CorrelationID, ScavengeID: run.id})
}

// launch allocates the run log, builds the job and starts its supervisor.
// It must be called with c.mu held; nothing is returned unless the job is
// running.
func (c *Coordinator) launch(req StartRequest) (*activeRun, error) {
	log, err := c.logs.CreateLog(c.baseCtx)
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	logger := c.logger.With(map[string]any{"ScavengeId": log.ScavengeID()})

	job, err := c.factory.Create(req, log, logger)
	if errors.Is(err, ErrInvalidOptions) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	run := &activeRun{
		id:      log.ScavengeID(),
		cancel:  cancel,
		job:     job,
		done:    make(chan struct{}),
		logger:  logger,
		started: time.Now(),
	}

	c.wg.Add(1)
	go c.superviseRun(ctx, run)
	return run, nil
}

// HandleStop cancels the matching run and replies once it has ended.
func (c *Coordinator) HandleStop(req StopRequest) {
	if !c.isAllowed(metrics.OpStop, req.User, req.CorrelationID, req.Envelope) {
		return
	}

	c.mu.Lock()
	run := c.active
	if run != nil && (run.id == req.ScavengeID || req.ScavengeID == CurrentScavengeID) {
		run.requestStop()
		// The run's supervisor holds the group open while it is in the
		// slot, so this Add never races a Wait that has reached zero.
		c.wg.Add(1)
		c.mu.Unlock()

		run.logger.Infof("scavenge stop requested", map[string]any{
			"user":     req.User.String(),
			"requests": run.stopRequests.Load(),
		})
		go c.replyWhenStopped(run, req)
		return
	}
	currentID := idOf(run)
	c.mu.Unlock()

	c.metrics.RecordRequest(metrics.OpStop, metrics.OutcomeNotFound)
	reply(req.Envelope, NotFound{CorrelationID: req.CorrelationID, ScavengeID: currentID, Reason: ReasonUnknownID})
}

func (c *Coordinator) replyWhenStopped(run *activeRun, req StopRequest) {
	defer c.wg.Done()
	<-run.done
	id := run.id
	c.metrics.RecordRequest(metrics.OpStop, metrics.OutcomeStopped)
	reply(req.Envelope, Stopped{CorrelationID: req.CorrelationID, ScavengeID: &id})
}

// HandleStatus reports whether a run occupies the slot.
func (c *Coordinator) HandleStatus(req StatusRequest) {
	if !c.isAllowed(metrics.OpStatus, req.User, req.CorrelationID, req.Envelope) {
		return
	}

	c.mu.Lock()
	id := idOf(c.active)
	c.mu.Unlock()

	if id == nil {
		c.metrics.RecordRequest(metrics.OpStatus, metrics.OutcomeIdle)
		reply(req.Envelope, Status{CorrelationID: req.CorrelationID, Result: StatusStopped})
		return
	}
	c.metrics.RecordRequest(metrics.OpStatus, metrics.OutcomeInProgress)
	reply(req.Envelope, Status{CorrelationID: req.CorrelationID, Result: StatusInProgress, ScavengeID: id})
}

// superviseRun executes the job, disposes it and clears the slot. Job and
// dispose faults, panics included, are logged and go no further.
func (c *Coordinator) superviseRun(ctx context.Context, run *activeRun) {
	defer c.wg.Done()
	defer run.cancel()

	runErr := c.runJob(ctx, run)
	switch {
	case runErr == nil:
		run.logger.Info("scavenge finished")
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		run.logger.Infof("scavenge stopped", map[string]any{"stopRequests": run.stopRequests.Load()})
	default:
		c.metrics.RecordJobFault(metrics.FaultRun)
		run.logger.Errorf("SCAVENGING: Unexpected error when scavenging", map[string]any{"error": runErr})
	}

	if err := disposeJob(run.job); err != nil {
		c.metrics.RecordJobFault(metrics.FaultDispose)
		run.logger.Errorf("SCAVENGING: Unexpected error when disposing the scavenger", map[string]any{"error": err})
	}

	c.mu.Lock()
	cleared := c.active == run
	if cleared {
		c.active = nil
	}
	c.mu.Unlock()

	if cleared {
		success := runErr == nil || (errors.Is(runErr, context.Canceled) && ctx.Err() != nil)
		c.metrics.RecordRunEnded(time.Since(run.started).Seconds(), success)
	} else {
		run.logger.Warn("slot held by a newer run, leaving it untouched")
	}
}

// runJob runs the job and closes run.done when Run has returned, even if
// it panicked.
func (c *Coordinator) runJob(ctx context.Context, run *activeRun) (err error) {
	defer close(run.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scavenge job panicked: %v", r)
		}
	}()
	return run.job.Run(ctx)
}

func disposeJob(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scavenge job dispose panicked: %v", r)
		}
	}()
	return job.Close()
}

// Wait blocks until every supervisor and pending stop reply has finished,
// or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses further starts, cancels the active run, if any, and
// waits for it to wind down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	if c.active != nil {
		c.active.logger.Info("cancelling scavenge for shutdown")
		c.active.requestStop()
	}
	c.mu.Unlock()
	return c.Wait(ctx)
}

// ActiveID returns the id of the active run, if any.
func (c *Coordinator) ActiveID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

func (c *Coordinator) isAllowed(op string, user *auth.Principal, correlationID uuid.UUID, env Envelope) bool {
	if c.authorizer.IsAllowed(user) {
		return true
	}
	c.metrics.RecordRequest(op, metrics.OutcomeUnauthorized)
	c.logger.Warnf("unauthorized scavenge request", map[string]any{
		"op":   op,
		"user": user.String(),
	})
	reply(env, Unauthorized{CorrelationID: correlationID, Reason: ReasonUnauthorized})
	return false
}

func idOf(run *activeRun) *string {
	if run == nil {
		return nil
	}
	id := run.id
	return &id
}

func reply(env Envelope, r Response) {
	if env != nil {
		env.ReplyWith(r)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordRequest(string, string) {}
func (nopMetrics) RecordRunStarted()            {}
func (nopMetrics) RecordRunEnded(float64, bool) {}
func (nopMetrics) RecordJobFault(string)        {}
