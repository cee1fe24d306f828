package runlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/scavd/internal/logging"
)

// Manager creates run logs and serves run history.
type Manager struct {
	store    Store
	node     string
	instance string
	logger   *logging.Logger

	now   func() time.Time
	newID func() string
}

// NewManager returns a Manager writing to store on behalf of node. Each
// Manager carries a fresh instance id so markers left behind by a previous
// process of the same node can be told apart from live ones.
func NewManager(store Store, node string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{
		store:    store,
		node:     node,
		instance: uuid.NewString(),
		logger:   logger.With(map[string]any{"component": "runlog"}),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Initialise marks this node's orphaned InProgress records as Interrupted
// and drops their stale markers. A record written since it was listed is
// left alone. It is safe to call repeatedly.
func (m *Manager) Initialise(ctx context.Context) error {
	records, err := m.store.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("runlog: initialise: %w", err)
	}
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("runlog: initialise: %w", err)
	}

	interrupted := 0
	for _, rec := range records {
		if !rec.InProgress() || rec.Node != m.node {
			continue
		}
		if marker, ok := active[rec.ID]; ok && marker.Instance == m.instance {
			continue
		}

		now := m.now()
		rec.Status = string(ResultInterrupted)
		rec.CompletedAt = &now
		rec.ElapsedMs = now.Sub(rec.StartedAt).Milliseconds()
		if _, err := m.store.PutRecord(ctx, rec); err != nil {
			if errors.Is(err, ErrConflict) {
				m.logger.Infof("scavenge record updated concurrently, not interrupting", map[string]any{
					"scavengeId": rec.ID,
				})
				continue
			}
			return fmt.Errorf("runlog: mark %s interrupted: %w", rec.ID, err)
		}
		if _, ok := active[rec.ID]; ok {
			if err := m.store.ClearActive(ctx, rec.ID); err != nil {
				return fmt.Errorf("runlog: clear marker %s: %w", rec.ID, err)
			}
		}
		interrupted++
		m.logger.Warnf("SCAVENGING: marked orphaned scavenge as interrupted", map[string]any{
			"scavengeId": rec.ID,
			"startedAt":  rec.StartedAt,
		})
	}

	m.logger.Infof("run log initialised", map[string]any{
		"records":     len(records),
		"interrupted": interrupted,
	})
	return nil
}

// CreateLog allocates a run id. Nothing is persisted until the job calls
// ScavengeStarted.
func (m *Manager) CreateLog(_ context.Context) (Log, error) {
	return &runLog{
		manager: m,
		rec: Record{
			ID:     m.newID(),
			Node:   m.node,
			Status: StatusInProgress,
		},
	}, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (m *Manager) List(ctx context.Context, limit int) ([]Record, error) {
	records, err := m.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns the record for id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.store.GetRecord(ctx, id)
}

// Ping checks the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.store.ListActive(ctx)
	return err
}

// runLog accumulates one run's record and writes it through on every event.
type runLog struct {
	manager *Manager

	mu        sync.Mutex
	rec       Record
	completed bool
}

func (l *runLog) ScavengeID() string {
	return l.rec.ID
}

func (l *runLog) ScavengeStarted(ctx context.Context, opts Options) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return ErrCompleted
	}

	l.rec.Options = opts
	l.rec.StartedAt = l.manager.now()
	rev, err := l.manager.store.PutRecord(ctx, l.rec)
	if err != nil {
		return fmt.Errorf("runlog: record start of %s: %w", l.rec.ID, err)
	}
	l.rec.Revision = rev
	marker := Marker{Node: l.manager.node, Instance: l.manager.instance}
	if err := l.manager.store.MarkActive(ctx, l.rec.ID, marker); err != nil {
		return fmt.Errorf("runlog: mark %s active: %w", l.rec.ID, err)
	}
	return nil
}

func (l *runLog) ChunksScavenged(ctx context.Context, res ChunkResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return ErrCompleted
	}

	l.rec.ChunksScavenged++
	l.rec.SpaceSaved += res.SpaceSaved
	return l.put(ctx)
}

func (l *runLog) ChunksNotScavenged(ctx context.Context, res ChunkResult, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return ErrCompleted
	}

	// Versions deleted before the failure still count as reclaimed.
	l.rec.ChunksSkipped++
	l.rec.SpaceSaved += res.SpaceSaved
	l.manager.logger.Debugf("chunk not scavenged", map[string]any{
		"scavengeId": l.rec.ID,
		"chunk":      res.ChunkNumber,
		"deleted":    res.Versions,
		"reason":     reason,
	})
	return l.put(ctx)
}

func (l *runLog) ScavengeCompleted(ctx context.Context, result Result, errMsg string, elapsed time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return ErrCompleted
	}
	l.completed = true

	now := l.manager.now()
	l.rec.Status = string(result)
	l.rec.Error = errMsg
	l.rec.CompletedAt = &now
	l.rec.ElapsedMs = elapsed.Milliseconds()
	if err := l.put(ctx); err != nil {
		return err
	}
	if err := l.manager.store.ClearActive(ctx, l.rec.ID); err != nil {
		return fmt.Errorf("runlog: clear marker %s: %w", l.rec.ID, err)
	}
	return nil
}

func (l *runLog) put(ctx context.Context) error {
	rev, err := l.manager.store.PutRecord(ctx, l.rec)
	if err != nil {
		return fmt.Errorf("runlog: update %s: %w", l.rec.ID, err)
	}
	l.rec.Revision = rev
	return nil
}
