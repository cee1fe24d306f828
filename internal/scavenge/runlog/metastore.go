package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dray-io/scavd/internal/metadata"
)

// Key layout in the metadata store.
const (
	KeyPrefix    = "/scavd/v1/scavenges"
	RunsPrefix   = KeyPrefix + "/runs/"
	ActivePrefix = KeyPrefix + "/active/"
)

// RunKey returns the record key for a run.
func RunKey(id string) string {
	return RunsPrefix + id
}

// ActiveKey returns the marker key for a run.
func ActiveKey(id string) string {
	return ActivePrefix + id
}

// MetadataStore keeps records in a metadata.MetadataStore. Active markers
// are ephemeral keys, so they vanish when the writer's session ends.
type MetadataStore struct {
	meta metadata.MetadataStore
}

// NewMetadataStore wraps meta.
func NewMetadataStore(meta metadata.MetadataStore) *MetadataStore {
	return &MetadataStore{meta: meta}
}

func (s *MetadataStore) PutRecord(ctx context.Context, rec Record) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("runlog: encode %s: %w", rec.ID, err)
	}
	v, err := s.meta.Put(ctx, RunKey(rec.ID), data, metadata.WithExpectedVersion(metadata.Version(rec.Revision)))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return 0, fmt.Errorf("%w: %s", ErrConflict, rec.ID)
	}
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func (s *MetadataStore) GetRecord(ctx context.Context, id string) (Record, error) {
	res, err := s.meta.Get(ctx, RunKey(id))
	if err != nil {
		return Record{}, err
	}
	if !res.Exists {
		return Record{}, ErrNotFound
	}
	rec, err := decodeRecord(id, res.Value, res.Version)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *MetadataStore) ListRecords(ctx context.Context) ([]Record, error) {
	kvs, err := s.meta.List(ctx, RunsPrefix, "", 0)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(kvs))
	for _, kv := range kvs {
		rec, err := decodeRecord(kv.Key, kv.Value, kv.Version)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	SortNewestFirst(records)
	return records, nil
}

func (s *MetadataStore) MarkActive(ctx context.Context, id string, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.meta.PutEphemeral(ctx, ActiveKey(id), data)
	return err
}

func (s *MetadataStore) ClearActive(ctx context.Context, id string) error {
	err := s.meta.Delete(ctx, ActiveKey(id))
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *MetadataStore) ListActive(ctx context.Context) (map[string]Marker, error) {
	kvs, err := s.meta.List(ctx, ActivePrefix, "", 0)
	if err != nil {
		return nil, err
	}
	active := make(map[string]Marker, len(kvs))
	for _, kv := range kvs {
		var m Marker
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, fmt.Errorf("runlog: decode %s: %w", kv.Key, err)
		}
		active[strings.TrimPrefix(kv.Key, ActivePrefix)] = m
	}
	return active, nil
}

func (s *MetadataStore) Close() error {
	return s.meta.Close()
}

func decodeRecord(key string, data []byte, v metadata.Version) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("runlog: decode %s: %w", key, err)
	}
	rec.Revision = int64(v)
	return rec, nil
}

// SortNewestFirst orders records by start time, latest first, breaking
// ties by id.
func SortNewestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}
		return records[i].ID < records[j].ID
	})
}

var _ Store = (*MetadataStore)(nil)
