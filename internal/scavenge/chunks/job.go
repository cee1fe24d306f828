// Package chunks implements the scavenge job over chunk files kept in an
// object store.
//
// Each chunk of the transaction log is stored as <prefix>chunk-NNNNNN.VVVVVV.
// Rewriting a chunk writes a new object with a higher version; the older
// versions are superseded and only take up space. A run deletes every
// superseded version and keeps the latest one of each chunk.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dray-io/scavd/internal/logging"
	"github.com/dray-io/scavd/internal/objectstore"
	"github.com/dray-io/scavd/internal/scavenge"
	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

// ErrJobClosed is returned by Run after Close.
var ErrJobClosed = errors.New("chunks: job closed")

// MetricsRecorder receives per-chunk results.
type MetricsRecorder interface {
	RecordChunkScavenged(bytesReclaimed int64)
}

// Config configures the chunk job factory.
type Config struct {
	// Prefix is the key prefix chunk objects live under.
	Prefix string
	// DefaultThreads is used when a request asks for zero threads.
	DefaultThreads int
	// MaxThreads caps the requested thread count.
	MaxThreads int
}

// Factory builds chunk jobs for start requests.
type Factory struct {
	store   objectstore.Store
	cfg     Config
	metrics MetricsRecorder
}

// NewFactory returns a Factory deleting through store. metrics may be nil.
func NewFactory(store objectstore.Store, cfg Config, metrics MetricsRecorder) *Factory {
	if cfg.DefaultThreads <= 0 {
		cfg.DefaultThreads = 1
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = cfg.DefaultThreads
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Factory{store: store, cfg: cfg, metrics: metrics}
}

// Create validates the request options and returns an unstarted job.
func (f *Factory) Create(req scavenge.StartRequest, log runlog.Log, logger *logging.Logger) (scavenge.Job, error) {
	if req.StartFromChunk < 0 {
		return nil, fmt.Errorf("%w: startFromChunk must be >= 0, got %d", scavenge.ErrInvalidOptions, req.StartFromChunk)
	}
	threads := req.Threads
	switch {
	case threads < 0:
		return nil, fmt.Errorf("%w: threads must be >= 1, got %d", scavenge.ErrInvalidOptions, threads)
	case threads == 0:
		threads = f.cfg.DefaultThreads
	case threads > f.cfg.MaxThreads:
		return nil, fmt.Errorf("%w: threads must be <= %d, got %d", scavenge.ErrInvalidOptions, f.cfg.MaxThreads, threads)
	}
	return &Job{
		store:   f.store,
		log:     log,
		logger:  logger,
		metrics: f.metrics,
		prefix:  f.cfg.Prefix,
		opts:    runlog.Options{StartFromChunk: req.StartFromChunk, Threads: threads},
	}, nil
}

// Job is one scavenge run over the chunk store.
type Job struct {
	store   objectstore.Store
	log     runlog.Log
	logger  *logging.Logger
	metrics MetricsRecorder
	prefix  string
	opts    runlog.Options

	mu     sync.Mutex
	closed bool
}

// ID returns the run id.
func (j *Job) ID() string {
	return j.log.ScavengeID()
}

// Options returns the effective options of the run.
func (j *Job) Options() runlog.Options {
	return j.opts
}

// Run deletes superseded chunk versions until done or ctx is cancelled. The
// completion record is written even after cancellation.
func (j *Job) Run(ctx context.Context) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return ErrJobClosed
	}

	start := time.Now()
	if err := j.log.ScavengeStarted(ctx, j.opts); err != nil {
		return fmt.Errorf("record scavenge start: %w", err)
	}
	j.logger.Infof("SCAVENGING: started scavenging of chunks", map[string]any{
		"startFromChunk": j.opts.StartFromChunk,
		"threads":        j.opts.Threads,
	})

	runErr := j.scavenge(ctx)

	result, msg := runlog.ResultSuccess, ""
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		result, runErr = runlog.ResultStopped, ctx.Err()
	default:
		result, msg = runlog.ResultFailed, runErr.Error()
	}

	elapsed := time.Since(start)
	if err := j.log.ScavengeCompleted(context.WithoutCancel(ctx), result, msg, elapsed); err != nil {
		j.logger.Errorf("SCAVENGING: failed to record scavenge completion", map[string]any{"error": err})
		if runErr == nil {
			runErr = fmt.Errorf("record scavenge completion: %w", err)
		}
	}
	j.logger.Infof("SCAVENGING: scavenging finished", map[string]any{
		"result":  string(result),
		"elapsed": elapsed.String(),
	})
	return runErr
}

func (j *Job) scavenge(ctx context.Context) error {
	objs, err := j.store.List(ctx, j.prefix)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	groups := groupChunks(objs, j.prefix, j.opts.StartFromChunk)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Threads)
	for _, grp := range groups {
		if gctx.Err() != nil {
			break
		}
		if len(grp.versions) < 2 {
			continue
		}
		g.Go(func() error {
			return j.scavengeChunk(gctx, grp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// scavengeChunk deletes the superseded versions of one chunk once the latest
// version is confirmed present. A failed delete is recorded against the
// chunk and does not fail the run.
func (j *Job) scavengeChunk(ctx context.Context, grp group) error {
	start := time.Now()
	res := runlog.ChunkResult{ChunkNumber: grp.number}

	latest := grp.latest()
	if _, err := j.store.Head(ctx, latest.Key); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Elapsed = time.Since(start)
		reason := err.Error()
		if errors.Is(err, objectstore.ErrNotFound) {
			reason = "latest version " + latest.Key + " is missing"
		}
		j.logger.Warnf("SCAVENGING: skipping chunk, latest version not readable", map[string]any{
			"chunk": grp.number,
			"key":   latest.Key,
			"error": err,
		})
		if logErr := j.log.ChunksNotScavenged(ctx, res, reason); logErr != nil {
			return fmt.Errorf("record chunk %d: %w", grp.number, logErr)
		}
		return nil
	}

	for _, v := range grp.superseded() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.store.Delete(ctx, v.Key); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Elapsed = time.Since(start)
			j.logger.Warnf("SCAVENGING: failed to delete superseded chunk version", map[string]any{
				"chunk": grp.number,
				"key":   v.Key,
				"error": err,
			})
			if logErr := j.log.ChunksNotScavenged(ctx, res, err.Error()); logErr != nil {
				return fmt.Errorf("record chunk %d: %w", grp.number, logErr)
			}
			return nil
		}
		res.Versions++
		res.SpaceSaved += v.Size
	}

	res.Elapsed = time.Since(start)
	j.metrics.RecordChunkScavenged(res.SpaceSaved)
	j.logger.Debugf("scavenged chunk", map[string]any{
		"chunk":      grp.number,
		"kept":       grp.latest().Key,
		"deleted":    res.Versions,
		"spaceSaved": res.SpaceSaved,
	})
	if err := j.log.ChunksScavenged(ctx, res); err != nil {
		return fmt.Errorf("record chunk %d: %w", grp.number, err)
	}
	return nil
}

// Close marks the job closed. It is safe to call more than once.
func (j *Job) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.closed {
		j.closed = true
		j.logger.Debug("scavenger disposed")
	}
	return nil
}

type nopMetrics struct{}

func (nopMetrics) RecordChunkScavenged(int64) {}
