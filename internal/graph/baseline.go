package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentic-research/citefold/internal/shape"
)

// Baselines gives the expected citation share of a dimension value across the
// whole corpus, counted on the same basis a tree level reads the dimension.
// Pruning divides observed shares by it.
type Baselines interface {
	Baseline(entity shape.EntityType, dim shape.DimensionKind, basis shape.Basis, value uint32) (float64, bool)
}

// BaselineKey addresses one baseline row.
type BaselineKey struct {
	Entity shape.EntityType
	Dim    shape.DimensionKind
	Basis  shape.Basis
	Value  uint32
}

// BaselineTable is an in-memory Baselines. Lookups for a specific entity type
// fall back to the corpus-wide row stored under shape.EntityAny.
type BaselineTable struct {
	mu   sync.RWMutex
	rows map[BaselineKey]float64
}

func NewBaselineTable() *BaselineTable {
	return &BaselineTable{rows: make(map[BaselineKey]float64)}
}

func (t *BaselineTable) Set(entity shape.EntityType, dim shape.DimensionKind, basis shape.Basis, value uint32, share float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[BaselineKey{Entity: entity, Dim: dim, Basis: basis, Value: value}] = share
}

// Baseline implements Baselines.
func (t *BaselineTable) Baseline(entity shape.EntityType, dim shape.DimensionKind, basis shape.Basis, value uint32) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.rows[BaselineKey{Entity: entity, Dim: dim, Basis: basis, Value: value}]; ok {
		return v, true
	}
	v, ok := t.rows[BaselineKey{Entity: shape.EntityAny, Dim: dim, Basis: basis, Value: value}]
	return v, ok
}

// Len returns the number of rows.
func (t *BaselineTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Each visits rows in key order.
func (t *BaselineTable) Each(fn func(k BaselineKey, share float64) error) error {
	t.mu.RLock()
	keys := make([]BaselineKey, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Dim != b.Dim {
			return a.Dim < b.Dim
		}
		if a.Basis != b.Basis {
			return a.Basis < b.Basis
		}
		return a.Value < b.Value
	})
	for _, k := range keys {
		t.mu.RLock()
		v := t.rows[k]
		t.mu.RUnlock()
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

type baselineCount struct {
	dim   shape.DimensionKind
	basis shape.Basis
	value uint32
}

// ComputeBaselines derives corpus-wide shares: for each dimension value and
// basis, the fraction of all citation links that a level with that basis
// would attribute to the value. Every-value bases count each value of a
// multi-valued attribute, so their shares may sum above one; first-value
// bases count only the lowest value, as disjunctive levels do. Links whose
// work has no value count toward shape.Unknown.
func ComputeBaselines(ctx context.Context, c Corpus, dims []shape.DimensionKind) (*BaselineTable, error) {
	counts := make(map[baselineCount]uint64)
	var links uint64

	count := func(d shape.DimensionKind, citingSide bool, vals []uint32) {
		for _, b := range shape.Bases() {
			if b.SourceSide() == citingSide {
				continue
			}
			if len(vals) == 0 {
				counts[baselineCount{d, b, shape.Unknown}]++
				continue
			}
			vs := vals
			if b.FirstOnly() {
				vs = vals[:1]
			}
			for _, v := range vs {
				counts[baselineCount{d, b, v}]++
			}
		}
	}

	err := c.EachWork(func(work uint32) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		citing, err := c.CitingWorks(work)
		if err != nil {
			return fmt.Errorf("citing works of %d: %w", work, err)
		}
		if len(citing) == 0 {
			return nil
		}
		own := make([][]uint32, len(dims))
		for i, d := range dims {
			if own[i], err = c.Attributes(d, work); err != nil {
				return fmt.Errorf("%s of %d: %w", d, work, err)
			}
		}
		for _, cw := range citing {
			links++
			for i, d := range dims {
				vals, err := c.Attributes(d, cw)
				if err != nil {
					return fmt.Errorf("%s of %d: %w", d, cw, err)
				}
				count(d, true, vals)
				count(d, false, own[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t := NewBaselineTable()
	if links == 0 {
		return t, nil
	}
	for k, n := range counts {
		t.Set(shape.EntityAny, k.dim, k.basis, k.value, float64(n)/float64(links))
	}
	return t, nil
}

var _ Baselines = (*BaselineTable)(nil)
