package graph

import (
	"errors"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/citefold/internal/shape"
)

var ErrNotFound = errors.New("not found")

// Getters is the read interface the fold core consumes. Implementations are
// keyed by dense integer ids and are safe for concurrent use.
type Getters interface {
	// WorksOf returns the works of a root entity in ascending order, or
	// ErrNotFound when the entity is unknown.
	WorksOf(entity shape.EntityType, id uint32) ([]uint32, error)
	// CitingWorks returns the works citing work, ascending.
	CitingWorks(work uint32) ([]uint32, error)
	// Attributes returns the distinct values of one dimension for work,
	// ascending. A work without a row returns an empty slice.
	Attributes(dim shape.DimensionKind, work uint32) ([]uint32, error)
	// Year returns the publication year of work; 0 when unknown.
	Year(work uint32) (uint16, error)
}

// Labels resolves display labels for dimension values.
type Labels interface {
	Label(dim shape.DimensionKind, value uint32) (string, bool)
}

// EntityLister enumerates the root entities of one type. Bulk cache warming
// uses it.
type EntityLister interface {
	Entities(entity shape.EntityType) ([]uint32, error)
}

// Corpus is a Getters that can enumerate every work. Baseline computation
// needs it; the fold core does not.
type Corpus interface {
	Getters
	EachWork(fn func(work uint32) error) error
}

// MemoryGraph is an in-memory Getters. Citing sets and entity work sets are
// roaring bitmaps over dense work ids.
type MemoryGraph struct {
	mu       sync.RWMutex
	years    []uint16
	present  *roaring.Bitmap
	citing   map[uint32]*roaring.Bitmap
	attrs    map[shape.DimensionKind]map[uint32][]uint32
	entities map[shape.EntityType]map[uint32]*roaring.Bitmap
	labels   map[shape.DimensionKind]map[uint32]string
}

func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		present:  roaring.New(),
		citing:   make(map[uint32]*roaring.Bitmap),
		attrs:    make(map[shape.DimensionKind]map[uint32][]uint32),
		entities: make(map[shape.EntityType]map[uint32]*roaring.Bitmap),
		labels:   make(map[shape.DimensionKind]map[uint32]string),
	}
}

// AddWork registers a work and its publication year.
func (g *MemoryGraph) AddWork(work uint32, year uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for uint32(len(g.years)) <= work {
		g.years = append(g.years, 0)
	}
	g.years[work] = year
	g.present.Add(work)
}

// AddCitation records that citing cites cited.
func (g *MemoryGraph) AddCitation(cited, citing uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bm, ok := g.citing[cited]
	if !ok {
		bm = roaring.New()
		g.citing[cited] = bm
	}
	bm.Add(citing)
}

// SetAttributes replaces the values of one dimension for work.
func (g *MemoryGraph) SetAttributes(dim shape.DimensionKind, work uint32, values ...uint32) {
	vals := append([]uint32(nil), values...)
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	vals = dedupSorted(vals)

	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.attrs[dim]
	if !ok {
		m = make(map[uint32][]uint32)
		g.attrs[dim] = m
	}
	m[work] = vals
}

// AddEntityWork assigns work to the root entity (entity, id).
func (g *MemoryGraph) AddEntityWork(entity shape.EntityType, id, work uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.entities[entity]
	if !ok {
		m = make(map[uint32]*roaring.Bitmap)
		g.entities[entity] = m
	}
	bm, ok := m[id]
	if !ok {
		bm = roaring.New()
		m[id] = bm
	}
	bm.Add(work)
}

// SetLabel sets the display label of a dimension value.
func (g *MemoryGraph) SetLabel(dim shape.DimensionKind, value uint32, label string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.labels[dim]
	if !ok {
		m = make(map[uint32]string)
		g.labels[dim] = m
	}
	m[value] = label
}

// WorksOf implements Getters.
func (g *MemoryGraph) WorksOf(entity shape.EntityType, id uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bm, ok := g.entities[entity][id]
	if !ok {
		return nil, ErrNotFound
	}
	return bm.ToArray(), nil
}

// CitingWorks implements Getters.
func (g *MemoryGraph) CitingWorks(work uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bm, ok := g.citing[work]
	if !ok {
		return nil, nil
	}
	return bm.ToArray(), nil
}

// Attributes implements Getters.
func (g *MemoryGraph) Attributes(dim shape.DimensionKind, work uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.attrs[dim][work], nil
}

// Year implements Getters.
func (g *MemoryGraph) Year(work uint32) (uint16, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(work) >= len(g.years) {
		return 0, nil
	}
	return g.years[work], nil
}

// Entities implements EntityLister.
func (g *MemoryGraph) Entities(entity shape.EntityType) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.entities[entity]), nil
}

// Label implements Labels.
func (g *MemoryGraph) Label(dim shape.DimensionKind, value uint32) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.labels[dim][value]
	return s, ok
}

// EachWork implements Corpus. The iteration works on a snapshot, so fn may
// call back into the graph.
func (g *MemoryGraph) EachWork(fn func(work uint32) error) error {
	g.mu.RLock()
	works := g.present.ToArray()
	g.mu.RUnlock()
	for _, w := range works {
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

func dedupSorted(vals []uint32) []uint32 {
	if len(vals) < 2 {
		return vals
	}
	out := vals[:1]
	for _, v := range vals[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

var (
	_ Corpus       = (*MemoryGraph)(nil)
	_ Labels       = (*MemoryGraph)(nil)
	_ EntityLister = (*MemoryGraph)(nil)
)
