// Package sink provides search index adapters that receive loaded records.
package sink

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/monitoring"
	"github.com/NERVsystems/poiloader/pkg/osm"
)

const (
	// DefaultMemoryIndexSize bounds the number of records kept in memory
	DefaultMemoryIndexSize = 100000

	// MaxSearchRadius is the largest radius accepted by Search, in meters
	MaxSearchRadius = 50000

	// DefaultSearchLimit caps results when the caller gives no limit
	DefaultSearchLimit = 20

	memoryIndexCacheType = "memory_index"
)

// Hit is a search result with its distance from the query point.
type Hit struct {
	osm.Record
	DistanceMeters float64 `json:"distance_m"`
}

// MemoryIndex is an in-process index bounded by an LRU policy. Records with the
// same ID replace each other, so reloading a category does not duplicate it.
type MemoryIndex struct {
	records *lru.Cache[string, osm.Record]
}

// NewMemoryIndex creates an index holding at most size records.
func NewMemoryIndex(size int) (*MemoryIndex, error) {
	if size <= 0 {
		size = DefaultMemoryIndexSize
	}
	records, err := lru.New[string, osm.Record](size)
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &MemoryIndex{records: records}, nil
}

// Index stores rec. Records without an ID or with out-of-range coordinates are rejected.
func (m *MemoryIndex) Index(ctx context.Context, rec osm.Record) error {
	if err := ctx.Err(); err != nil {
		return core.Cancelled("index", err)
	}
	if rec.ID == "" {
		return &core.SinkRejectionError{RecordID: rec.ID, Reason: "missing id"}
	}
	if err := core.ValidateCoords(rec.Location.Lat, rec.Location.Lon); err != nil {
		return &core.SinkRejectionError{RecordID: rec.ID, Reason: "invalid location", Cause: err}
	}

	m.records.Add(rec.ID, rec)
	monitoring.UpdateCacheSize(memoryIndexCacheType, m.records.Len())
	return nil
}

// Get returns the record stored under id
func (m *MemoryIndex) Get(id string) (osm.Record, bool) {
	return m.records.Peek(id)
}

// Len returns the number of stored records
func (m *MemoryIndex) Len() int {
	return m.records.Len()
}

// Categories returns the number of stored records per category.
func (m *MemoryIndex) Categories() map[string]int {
	counts := make(map[string]int)
	for _, rec := range m.records.Values() {
		counts[rec.Category]++
	}
	return counts
}

// Search returns records within radius meters of (lat, lon), nearest first.
// An empty category matches every record. limit <= 0 uses DefaultSearchLimit.
func (m *MemoryIndex) Search(lat, lon, radius float64, category string, limit int) ([]Hit, error) {
	if err := core.ValidateCoords(lat, lon); err != nil {
		return nil, err
	}
	if err := core.ValidateRadius(radius, MaxSearchRadius); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	center := osm.Location{Lat: lat, Lon: lon}
	var hits []Hit
	for _, rec := range m.records.Values() {
		if category != "" && rec.Category != category {
			continue
		}
		d := center.DistanceTo(rec.Location)
		if d <= radius {
			hits = append(hits, Hit{Record: rec, DistanceMeters: d})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters == hits[j].DistanceMeters {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].DistanceMeters < hits[j].DistanceMeters
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
