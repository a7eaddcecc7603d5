package geo

import (
	"sync"

	"github.com/golang/geo/s2"
)

// IndexLevel is the S2 cell level used by CellIndex. Level 13 cells are roughly 1km across,
// small enough that a proximity scan touches a handful of cells.
const IndexLevel = 13

// CellIndex maps S2 cells to the ids of the points inside them. Lookups only visit cells that
// cover the query cap, so cost grows with result density rather than total size.
type CellIndex[K comparable] struct {
	mu    sync.RWMutex
	cells map[s2.CellID]map[K]struct{}
	keys  map[K]s2.CellID
}

// NewCellIndex creates an empty index.
func NewCellIndex[K comparable]() *CellIndex[K] {
	return &CellIndex[K]{
		cells: make(map[s2.CellID]map[K]struct{}),
		keys:  make(map[K]s2.CellID),
	}
}

// Put inserts or moves key to point.
func (idx *CellIndex[K]) Put(key K, point Coordinates) {
	cell := s2.CellIDFromLatLng(point.LatLng()).Parent(IndexLevel)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.keys[key]; ok {
		if prev == cell {
			return
		}
		idx.removeLocked(key, prev)
	}
	bucket, ok := idx.cells[cell]
	if !ok {
		bucket = make(map[K]struct{})
		idx.cells[cell] = bucket
	}
	bucket[key] = struct{}{}
	idx.keys[key] = cell
}

// Delete removes key from the index.
func (idx *CellIndex[K]) Delete(key K) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, ok := idx.keys[key]; ok {
		idx.removeLocked(key, prev)
	}
}

func (idx *CellIndex[K]) removeLocked(key K, cell s2.CellID) {
	delete(idx.keys, key)
	if bucket, ok := idx.cells[cell]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(idx.cells, cell)
		}
	}
}

// Candidates returns every key whose cell intersects the cap around center. Callers must still
// apply an exact distance check.
func (idx *CellIndex[K]) Candidates(center Coordinates, radiusMeters float64) []K {
	cp := s2.CapFromCenterAngle(s2.PointFromLatLng(center.LatLng()), MetersToAngle(radiusMeters))
	coverer := &s2.RegionCoverer{MinLevel: IndexLevel, MaxLevel: IndexLevel, MaxCells: 64}
	covering := coverer.Covering(cp)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []K
	for _, cell := range covering {
		for key := range idx.cells[cell] {
			out = append(out, key)
		}
	}
	return out
}

// Len returns the number of indexed keys.
func (idx *CellIndex[K]) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}
