// Package fold turns unordered flat records into nested aggregate trees.
//
// Records of one partition are heap-ordered by (dims, source, citing) so runs
// sharing a dimension prefix are adjacent. A stack of open working nodes, one
// per depth, closes bottom-up whenever the prefix changes; each close hands
// the finished child to the level's Updater, which folds it into the parent
// and returns the child's collapsed form. Aggregation and tree
// materialization happen in the same pass.
package fold

import (
	"errors"
	"fmt"

	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/stream"
)

// ErrUnsorted is returned by Builder.Add for out-of-order input.
var ErrUnsorted = errors.New("fold: records out of order")

// SortedRecord is the view of a flat record the builder consumes.
// stream.Record implements it.
type SortedRecord interface {
	Dim(level int) uint32
	Leaf() uint32
	CitingWork() uint32
}

// Engine folds records for one breakdown shape. It is stateless after
// construction and safe for concurrent use.
type Engine struct {
	shape    *shape.Shape
	depth    int
	need     []bool
	updaters []Updater
	retain   bool
}

// Option configures an Engine.
type Option func(*Engine)

// RetainSources keeps per-node source lists on collapsed nodes so trees can
// later be merged exactly with Merge.
func RetainSources() Option {
	return func(e *Engine) { e.retain = true }
}

// New builds an engine for sh. sh must already be validated.
func New(sh *shape.Shape, opts ...Option) *Engine {
	e := &Engine{shape: sh, depth: sh.Depth(), need: sh.NeedsCiting()}
	for _, o := range opts {
		o(e)
	}
	e.updaters = make([]Updater, e.depth)
	for i, l := range sh.Levels {
		e.updaters[i] = newUpdater(l, e.need[i], e.retain)
	}
	return e
}

// Shape returns the engine's breakdown shape.
func (e *Engine) Shape() *shape.Shape { return e.shape }

// Fold is the one-shot form of NewFolder/Push/Finish. It takes ownership of
// recs and reorders it in place.
func (e *Engine) Fold(recs []stream.Record) *Node {
	f := &Folder{e: e, h: recordHeap{recs: recs, depth: e.depth}}
	return f.Finish()
}

// Folder accumulates the records of one partition.
type Folder struct {
	e *Engine
	h recordHeap
}

// NewFolder returns a folder whose heap is preallocated for capacity records.
func (e *Engine) NewFolder(capacity int) *Folder {
	return &Folder{e: e, h: recordHeap{recs: make([]stream.Record, 0, capacity), depth: e.depth}}
}

// Push adds one record. Order does not matter.
func (f *Folder) Push(r stream.Record) { f.h.recs = append(f.h.recs, r) }

// Len returns the number of pushed records.
func (f *Folder) Len() int { return len(f.h.recs) }

// Finish folds everything pushed so far and releases the records.
func (f *Folder) Finish() *Node {
	b := f.e.NewBuilder()
	// The heap yields sorted records, so Add cannot fail.
	_ = f.h.drain(func(r *stream.Record) error { return b.Add(r) })
	f.h.recs = nil
	return b.Finish()
}

// Builder folds an already sorted record stream.
type Builder struct {
	e       *Engine
	open    []*Working
	prefix  [shape.MaxLevels]uint32
	started bool
	source  uint32
	citing  uint32
}

// NewBuilder starts a fold over records that arrive in ascending
// (dims, source, citing) order.
func (e *Engine) NewBuilder() *Builder {
	b := &Builder{e: e, open: make([]*Working, e.depth+1)}
	b.open[0] = newWorking(0, e.depth == 0)
	return b
}

// Add folds the next record. Exact duplicates of the previous record are
// ignored.
func (b *Builder) Add(r SortedRecord) error {
	k := b.e.depth
	source, citing := r.Leaf(), r.CitingWork()

	if !b.started {
		b.started = true
		b.openFrom(0, r)
	} else {
		i := 0
		for i < k && r.Dim(i) == b.prefix[i] {
			i++
		}
		switch {
		case i < k && r.Dim(i) < b.prefix[i]:
			return fmt.Errorf("%w: level %d value %d after %d", ErrUnsorted, i, r.Dim(i), b.prefix[i])
		case i == k:
			if source < b.source || (source == b.source && citing < b.citing) {
				return fmt.Errorf("%w: link (%d, %d) after (%d, %d)", ErrUnsorted, source, citing, b.source, b.citing)
			}
			if source == b.source && citing == b.citing {
				return nil
			}
		default:
			for d := k; d > i; d-- {
				b.close(d)
			}
			b.openFrom(i, r)
		}
	}

	b.open[k].addLink(source, citing, b.e.need[k])
	b.source, b.citing = source, citing
	return nil
}

// openFrom opens fresh working nodes for depths level+1..k under r's prefix.
func (b *Builder) openFrom(level int, r SortedRecord) {
	k := b.e.depth
	for d := level + 1; d <= k; d++ {
		b.prefix[d-1] = r.Dim(d - 1)
		b.open[d] = newWorking(d, d == k)
	}
}

// close folds the node open at depth d into its parent.
func (b *Builder) close(d int) {
	child := b.open[d]
	if !child.leaf {
		b.e.updaters[d].Seal(child)
	}
	parent := b.open[d-1]
	parent.children[b.prefix[d-1]] = b.e.updaters[d-1].Update(parent, child)
	b.open[d] = nil
}

// Finish closes every open node and returns the collapsed root.
func (b *Builder) Finish() *Node {
	if b.started {
		for d := b.e.depth; d > 0; d-- {
			b.close(d)
		}
	}
	root := b.open[0]
	if !root.leaf {
		b.e.updaters[0].Seal(root)
	}
	return Collapse(root, b.e.retain)
}
