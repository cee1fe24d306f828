// Package runlog records the history of scavenge runs.
//
// Each run gets a Log when it is created. The job reports progress through
// it and the Manager persists one Record per run in a Store. While a run is
// executing the owning process also holds an active marker for it; after a
// crash the marker is gone, and the next Initialise turns the orphaned
// InProgress record into an Interrupted one.
package runlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("runlog: record not found")

	// ErrCompleted is returned when a Log is written to after ScavengeCompleted.
	ErrCompleted = errors.New("runlog: run already completed")

	// ErrConflict is returned by a conditional write whose record changed
	// since it was read.
	ErrConflict = errors.New("runlog: record changed concurrently")
)

// Result is the final outcome of a run.
type Result string

const (
	ResultSuccess     Result = "Success"
	ResultStopped     Result = "Stopped"
	ResultFailed      Result = "Failed"
	ResultInterrupted Result = "Interrupted"
)

// StatusInProgress is the Record status of a run that has not completed.
const StatusInProgress = "InProgress"

// Options are the parameters a run was started with.
type Options struct {
	StartFromChunk int `json:"startFromChunk"`
	Threads        int `json:"threads"`
}

// ChunkResult describes the work done on one chunk.
type ChunkResult struct {
	ChunkNumber int           `json:"chunkNumber"`
	Versions    int           `json:"versions"`
	SpaceSaved  int64         `json:"spaceSaved"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Record is the persisted state of one run.
type Record struct {
	ID              string     `json:"id"`
	Node            string     `json:"node"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ElapsedMs       int64      `json:"elapsedMs"`
	SpaceSaved      int64      `json:"spaceSaved"`
	ChunksScavenged int        `json:"chunksScavenged"`
	ChunksSkipped   int        `json:"chunksSkipped"`
	Error           string     `json:"error,omitempty"`
	Options         Options    `json:"options"`

	// Revision is assigned by the Store on every write. Zero means the
	// record has not been written yet.
	Revision int64 `json:"-"`
}

// InProgress reports whether the record has no final result yet.
func (r Record) InProgress() bool {
	return r.Status == StatusInProgress
}

// Log is the handle a running job reports through.
type Log interface {
	ScavengeID() string
	ScavengeStarted(ctx context.Context, opts Options) error
	ChunksScavenged(ctx context.Context, res ChunkResult) error
	ChunksNotScavenged(ctx context.Context, res ChunkResult, reason string) error
	ScavengeCompleted(ctx context.Context, result Result, errMsg string, elapsed time.Duration) error
}

// Marker identifies the process executing a run.
type Marker struct {
	Node     string `json:"node"`
	Instance string `json:"instance"`
}

// Store persists records and active markers.
type Store interface {
	// PutRecord writes rec if the stored revision still equals rec.Revision
	// (zero: the record must not exist) and returns the new revision. A
	// mismatch fails with ErrConflict.
	PutRecord(ctx context.Context, rec Record) (int64, error)
	// GetRecord returns ErrNotFound for unknown ids.
	GetRecord(ctx context.Context, id string) (Record, error)
	// ListRecords returns every record, newest first.
	ListRecords(ctx context.Context) ([]Record, error)

	MarkActive(ctx context.Context, id string, m Marker) error
	ClearActive(ctx context.Context, id string) error
	ListActive(ctx context.Context) (map[string]Marker, error)

	Close() error
}
