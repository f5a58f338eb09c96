package fold

import (
	"container/heap"

	"github.com/agentic-research/citefold/internal/shape"
)

// leafEntry is the per-source bookkeeping of a working node. citing holds the
// sorted citing works of the source's links when an intersecting ancestor
// must deduplicate them; otherwise it is nil and links is authoritative.
type leafEntry struct {
	source uint32
	links  uint32
	citing []uint32
}

// Working is a node still being folded. Its entries become valid once the
// node is sealed; until then child contributions wait in pending runs.
type Working struct {
	depth    int
	leaf     bool
	entries  []leafEntry
	pending  [][]leafEntry
	children map[uint32]*Node
}

func newWorking(depth int, leaf bool) *Working {
	w := &Working{depth: depth, leaf: leaf}
	if !leaf {
		w.children = make(map[uint32]*Node)
	}
	return w
}

// addLink records one (source, citing) link on a full-depth node. Links
// arrive sorted by (source, citing) without duplicates.
func (w *Working) addLink(source, citing uint32, keepCiting bool) {
	if n := len(w.entries); n > 0 && w.entries[n-1].source == source {
		e := &w.entries[n-1]
		e.links = addCount(e.links, 1)
		if keepCiting {
			e.citing = append(e.citing, citing)
		}
		return
	}
	e := leafEntry{source: source, links: 1}
	if keepCiting {
		e.citing = []uint32{citing}
	}
	w.entries = append(w.entries, e)
}

// Collapse converts a sealed working node into its immutable form.
func Collapse(w *Working, retain bool) *Node {
	sources := make([]SourceLinks, len(w.entries))
	for i, e := range w.entries {
		sources[i] = SourceLinks{Source: e.source, Links: e.links}
	}
	n := &Node{Aggregate: aggregate(sources), Children: w.children}
	if retain {
		n.Sources = sources
	}
	return n
}

// Updater merges folded children into the node one level above them. There
// is one Updater per shape level.
type Updater interface {
	// Update merges one fully folded child into parent's running aggregate
	// and returns the child's collapsed form.
	Update(parent, child *Working) *Node
	// Seal finishes parent once every child has been merged.
	Seal(parent *Working)
}

func newUpdater(l shape.Level, keepCiting, retain bool) Updater {
	if l.Combine == shape.Intersecting {
		return &intersectingUpdater{keepCiting: keepCiting, retain: retain}
	}
	return &disjunctiveUpdater{keepCiting: keepCiting, retain: retain}
}

// disjunctiveUpdater sums: every link belongs to exactly one child, so
// per-source link counts add up.
type disjunctiveUpdater struct {
	keepCiting bool
	retain     bool
}

func (u *disjunctiveUpdater) Update(parent, child *Working) *Node {
	parent.pending = append(parent.pending, child.entries)
	return Collapse(child, u.retain)
}

func (u *disjunctiveUpdater) Seal(parent *Working) {
	parent.entries = mergeRuns(parent.pending, func(dst *leafEntry, src []leafEntry) {
		for _, e := range src {
			dst.links = addCount(dst.links, e.links)
			if u.keepCiting {
				dst.citing = unionSorted(dst.citing, e.citing)
			}
		}
	})
	parent.pending = nil
}

// intersectingUpdater deduplicates: a link may sit under several children,
// so per-source counts are the sizes of the unioned citing lists.
type intersectingUpdater struct {
	keepCiting bool
	retain     bool
}

func (u *intersectingUpdater) Update(parent, child *Working) *Node {
	parent.pending = append(parent.pending, child.entries)
	return Collapse(child, u.retain)
}

func (u *intersectingUpdater) Seal(parent *Working) {
	parent.entries = mergeRuns(parent.pending, func(dst *leafEntry, src []leafEntry) {
		var union []uint32
		for _, e := range src {
			union = unionSorted(union, e.citing)
		}
		dst.links = uint32(len(union))
		if u.keepCiting {
			dst.citing = union
		}
	})
	parent.pending = nil
}

// mergeRuns k-way merges source-sorted runs. combine receives every entry of
// one source, in run order, and fills dst.
func mergeRuns(runs [][]leafEntry, combine func(dst *leafEntry, src []leafEntry)) []leafEntry {
	h := &runHeap{runs: runs}
	total := 0
	for i, r := range runs {
		if len(r) > 0 {
			h.cursors = append(h.cursors, cursor{run: i})
			total += len(r)
		}
	}
	heap.Init(h)

	out := make([]leafEntry, 0, total)
	var group []leafEntry
	for h.Len() > 0 {
		source := h.head().source
		group = group[:0]
		for h.Len() > 0 && h.head().source == source {
			group = append(group, *h.head())
			h.advance()
		}
		dst := leafEntry{source: source}
		combine(&dst, group)
		out = append(out, dst)
	}
	return out
}

type cursor struct {
	run int
	pos int
}

type runHeap struct {
	runs    [][]leafEntry
	cursors []cursor
}

func (h *runHeap) Len() int { return len(h.cursors) }

func (h *runHeap) Less(i, j int) bool {
	a := h.runs[h.cursors[i].run][h.cursors[i].pos].source
	b := h.runs[h.cursors[j].run][h.cursors[j].pos].source
	if a != b {
		return a < b
	}
	return h.cursors[i].run < h.cursors[j].run
}

func (h *runHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *runHeap) Push(x any) { h.cursors = append(h.cursors, x.(cursor)) }

func (h *runHeap) Pop() any {
	old := h.cursors
	c := old[len(old)-1]
	h.cursors = old[:len(old)-1]
	return c
}

func (h *runHeap) head() *leafEntry {
	c := h.cursors[0]
	return &h.runs[c.run][c.pos]
}

// advance moves the minimum cursor forward, dropping exhausted runs.
func (h *runHeap) advance() {
	c := &h.cursors[0]
	c.pos++
	if c.pos == len(h.runs[c.run]) {
		heap.Pop(h)
		return
	}
	heap.Fix(h, 0)
}

// unionSorted merges two ascending lists without duplicates.
func unionSorted(a, b []uint32) []uint32 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]uint32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
