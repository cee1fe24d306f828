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
	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

var (
	admin    = &auth.Principal{Name: "admin", Roles: []string{auth.RoleAdmins}}
	operator = &auth.Principal{Name: "ops", Roles: []string{auth.RoleOperations}}
	nobody   = &auth.Principal{Name: "reader", Roles: []string{"$readers"}}
)

// fakeJob is a controllable Job.
type fakeJob struct {
	id string

	// release ends Run without an error when closed.
	release chan struct{}
	// runErr is returned by Run once released.
	runErr error
	// runPanic, if set, makes Run panic once released.
	runPanic any
	// ignoreCancel makes Run wait for release even after cancellation.
	ignoreCancel bool

	closeErr   error
	closePanic any
	// closeGate, if set, blocks Close until closed.
	closeGate chan struct{}

	runs     atomic.Int32
	closes   atomic.Int32
	returned atomic.Bool
	running  chan struct{}
	once     sync.Once
}

func newFakeJob() *fakeJob {
	return &fakeJob{
		release: make(chan struct{}),
		running: make(chan struct{}),
	}
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	j.once.Do(func() { close(j.running) })
	defer j.returned.Store(true)

	if j.ignoreCancel {
		<-j.release
	} else {
		select {
		case <-j.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if j.runPanic != nil {
		panic(j.runPanic)
	}
	return j.runErr
}

func (j *fakeJob) Close() error {
	j.closes.Add(1)
	if j.closeGate != nil {
		<-j.closeGate
	}
	if j.closePanic != nil {
		panic(j.closePanic)
	}
	return j.closeErr
}

// finish lets Run return.
func (j *fakeJob) finish() { close(j.release) }

// fakeLog is a no-op runlog.Log.
type fakeLog struct{ id string }

func (l *fakeLog) ScavengeID() string                                   { return l.id }
func (l *fakeLog) ScavengeStarted(context.Context, runlog.Options) error { return nil }
func (l *fakeLog) ChunksScavenged(context.Context, runlog.ChunkResult) error {
	return nil
}
func (l *fakeLog) ChunksNotScavenged(context.Context, runlog.ChunkResult, string) error {
	return nil
}
func (l *fakeLog) ScavengeCompleted(context.Context, runlog.Result, string, time.Duration) error {
	return nil
}

// fakeLogs hands out sequential run ids.
type fakeLogs struct {
	mu          sync.Mutex
	seq         int
	createErr   error
	initErr     error
	initialised int
}

func (f *fakeLogs) Initialise(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialised++
	return f.initErr
}

func (f *fakeLogs) CreateLog(context.Context) (runlog.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	return &fakeLog{id: fmt.Sprintf("%d", f.seq)}, nil
}

func (f *fakeLogs) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeLogs) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialised
}

// jobQueue is a Factory handing out prepared jobs in order.
type jobQueue struct {
	mu        sync.Mutex
	jobs      []*fakeJob
	createErr error
	requests  []StartRequest
}

func (q *jobQueue) push(jobs ...*fakeJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

func (q *jobQueue) Create(req StartRequest, log runlog.Log, _ *logging.Logger) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.createErr != nil {
		return nil, q.createErr
	}
	if len(q.jobs) == 0 {
		return nil, errors.New("no job prepared")
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	job.id = log.ScavengeID()
	q.requests = append(q.requests, req)
	return job, nil
}

type harness struct {
	coord *Coordinator
	logs  *fakeLogs
	jobs  *jobQueue
}

func newHarness(cfg ...func(*Config)) *harness {
	h := &harness{logs: &fakeLogs{}, jobs: &jobQueue{}}
	c := Config{
		Authorizer: auth.NewRoleAuthorizer(logging.Nop()),
		Factory:    h.jobs,
		Logs:       h.logs,
		Logger:     logging.Nop(),
	}
	for _, fn := range cfg {
		fn(&c)
	}
	coord, err := NewCoordinator(c)
	if err != nil {
		panic(err)
	}
	h.coord = coord
	return h
}

func newEnvelope() ChanEnvelope {
	return make(ChanEnvelope, 1)
}

func (h *harness) start(user *auth.Principal) Response {
	env := newEnvelope()
	h.coord.HandleStart(StartRequest{CorrelationID: uuid.New(), User: user, Envelope: env, Threads: 1})
	return <-env
}

func (h *harness) status(user *auth.Principal) Response {
	env := newEnvelope()
	h.coord.HandleStatus(StatusRequest{CorrelationID: uuid.New(), User: user, Envelope: env})
	return <-env
}

// stop sends a stop request and returns the envelope; the reply may come later.
func (h *harness) stop(user *auth.Principal, id string) ChanEnvelope {
	env := newEnvelope()
	h.coord.HandleStop(StopRequest{CorrelationID: uuid.New(), User: user, Envelope: env, ScavengeID: id})
	return env
}

func (h *harness) idle() bool {
	_, active := h.coord.ActiveID()
	return !active
}
